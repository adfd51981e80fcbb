package abuse

import (
	"strings"
	"time"
)

// Enforcement tells the caller how to treat an evaluated event.
type Enforcement struct {
	Allowed bool   `json:"allowed"`
	Action  Action `json:"action"`
	Reason  string `json:"reason,omitempty"`

	// RetryAfter is set for THROTTLE and BLOCK.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Permanent is set for BAN.
	Permanent bool `json:"permanent,omitempty"`
}

// Enforce maps a verdict to caller guidance.
func (d *Detector) Enforce(v Verdict) *Enforcement {
	cfg := d.cfg.Load()

	switch v.Action {
	case ActionAllow, "":
		return &Enforcement{Allowed: true, Action: ActionAllow}

	case ActionThrottle:
		return &Enforcement{
			Action:     ActionThrottle,
			Reason:     enforcementReason("throttled", v),
			RetryAfter: cfg.ThrottleFor,
		}

	case ActionBan:
		return &Enforcement{
			Action:    ActionBan,
			Reason:    enforcementReason("banned", v),
			Permanent: true,
		}

	default:
		return &Enforcement{
			Action:     ActionBlock,
			Reason:     enforcementReason("blocked", v),
			RetryAfter: cfg.BlockFor,
		}
	}
}

func enforcementReason(verb string, v Verdict) string {
	tags := v.Tags()
	if len(tags) == 0 {
		return verb + " for suspected abuse"
	}
	return verb + " for suspected abuse: " + strings.Join(tags, ", ")
}
