package abuse

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/counter"
	"mercator-hq/costgate/pkg/limits/storage"
)

// Heuristic inspects one signal. It returns nil when nothing was found.
// An error means the heuristic could not run and is skipped.
type Heuristic interface {
	Name() string
	Check(ctx context.Context, sig Signal, cfg *config.AbuseConfig) (*Reason, error)
}

// severeActions are the actions that count against reputation.
var severeActions = []string{string(ActionBlock), string(ActionBan)}

// ============================================================================
// BURST
// ============================================================================

type burstHeuristic struct {
	store counter.Store
	keys  counter.Keyspace
}

func (h *burstHeuristic) Name() string { return "burst" }

func (h *burstHeuristic) Check(ctx context.Context, sig Signal, cfg *config.AbuseConfig) (*Reason, error) {
	subject := sig.ActorID
	if subject == "" {
		subject = sig.SourceAddress
	}
	if subject == "" || cfg.BurstLimit <= 0 {
		return nil, nil
	}

	key := h.keys.Key("abuse", "burst", sig.TenantID, subject)
	res, err := h.store.SlidingWindow(ctx, key, sig.Timestamp, cfg.BurstWindow, math.MaxInt64)
	if err != nil {
		return nil, err
	}
	if res.Count <= int64(cfg.BurstLimit) {
		return nil, nil
	}
	return &Reason{
		Tag:      TagBurst,
		Severity: SeverityHigh,
		Detail:   fmt.Sprintf("%d events in %s", res.Count, cfg.BurstWindow),
	}, nil
}

// ============================================================================
// LOW_ENTROPY
// ============================================================================

const (
	symbolRatioCeiling = 0.5
	symbolRatioMinLen  = 8
	identicalRunLen    = 5
	keyboardRunLen     = 10
)

// keyboardRows are the letter rows of a QWERTY keyboard. A long run drawn
// from a single row reads as mashing.
var keyboardRows = [...]string{"qwertyuiop", "asdfghjkl", "zxcvbnm"}

type entropyHeuristic struct{}

func (entropyHeuristic) Name() string { return "entropy" }

func (entropyHeuristic) Check(_ context.Context, sig Signal, _ *config.AbuseConfig) (*Reason, error) {
	found := lowEntropySignals(sig.Content)
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &Reason{Tag: TagLowEntropy, Severity: SeverityMedium, Detail: found[0]}, nil
	default:
		return &Reason{Tag: TagLowEntropy, Severity: SeverityHigh, Detail: strings.Join(found, ", ")}, nil
	}
}

// lowEntropySignals returns the names of the low-entropy tests content fails.
func lowEntropySignals(content string) []string {
	var found []string
	if symbolRatio(content) > symbolRatioCeiling {
		found = append(found, "symbol ratio")
	}
	if longestIdenticalRun(content) >= identicalRunLen {
		found = append(found, "repeated characters")
	}
	if longestKeyboardRun(content) >= keyboardRunLen {
		found = append(found, "keyboard mash")
	}
	return found
}

// symbolRatio is the share of non-alphanumeric runes among non-space runes.
// Content shorter than symbolRatioMinLen scores zero.
func symbolRatio(content string) float64 {
	var total, symbols int
	for _, r := range content {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			symbols++
		}
	}
	if total < symbolRatioMinLen {
		return 0
	}
	return float64(symbols) / float64(total)
}

func longestIdenticalRun(content string) int {
	best, run := 0, 0
	var prev rune
	for i, r := range content {
		if i > 0 && r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > best {
			best = run
		}
	}
	return best
}

// longestKeyboardRun is the longest run of letters that all sit on one
// keyboard row, case-insensitive.
func longestKeyboardRun(content string) int {
	best := 0
	for _, row := range keyboardRows {
		run := 0
		for _, r := range content {
			if r < utf8.RuneSelf && strings.ContainsRune(row, unicode.ToLower(r)) {
				run++
				if run > best {
					best = run
				}
				continue
			}
			run = 0
		}
	}
	return best
}

// ============================================================================
// REPETITION
// ============================================================================

const normalizedMaxRunes = 200

type repetitionHeuristic struct {
	store counter.Store
	keys  counter.Keyspace
}

func (h *repetitionHeuristic) Name() string { return "repetition" }

func (h *repetitionHeuristic) Check(ctx context.Context, sig Signal, cfg *config.AbuseConfig) (*Reason, error) {
	text := Normalize(sig.Content)
	if text == "" || sig.ActorID == "" {
		return nil, nil
	}

	key := h.keys.Key("abuse", "hist", sig.TenantID, sig.ActorID)
	history, err := h.store.History(ctx, key)
	if err != nil {
		return nil, err
	}

	since := sig.Timestamp.Add(-cfg.RepetitionWindow)
	similar := 0
	for _, e := range history {
		if e.At.Before(since) {
			continue
		}
		if Similarity(text, e.Value) > cfg.Similarity {
			similar++
		}
	}

	entry := counter.HistoryEntry{At: sig.Timestamp, Value: text}
	if err := h.store.PushHistory(ctx, key, entry, int64(cfg.HistorySize), cfg.RepetitionWindow); err != nil {
		return nil, err
	}

	var sev Severity
	switch {
	case cfg.RepetitionHigh > 0 && similar >= cfg.RepetitionHigh:
		sev = SeverityHigh
	case cfg.RepetitionMedium > 0 && similar >= cfg.RepetitionMedium:
		sev = SeverityMedium
	default:
		return nil, nil
	}
	return &Reason{
		Tag:      TagRepetition,
		Severity: sev,
		Detail:   fmt.Sprintf("%d similar messages in %s", similar, cfg.RepetitionWindow),
	}, nil
}

// Normalize lower-cases text, drops punctuation, collapses whitespace and
// truncates to 200 runes.
func Normalize(text string) string {
	var b strings.Builder
	space := false
	n := 0
	for _, r := range strings.ToLower(text) {
		if n >= normalizedMaxRunes {
			break
		}
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		}
		if space {
			if n+2 > normalizedMaxRunes {
				break
			}
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Similarity returns 1 - distance/maxLen over runes. Two empty strings are
// identical.
func Similarity(a, b string) float64 {
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// ============================================================================
// REPUTATION
// ============================================================================

type reputationHeuristic struct {
	incidents storage.IncidentLog
}

func (h *reputationHeuristic) Name() string { return "reputation" }

func (h *reputationHeuristic) Check(ctx context.Context, sig Signal, cfg *config.AbuseConfig) (*Reason, error) {
	since := sig.Timestamp.Add(-cfg.ReputationWindow)

	if sig.ActorID != "" {
		n, err := h.incidents.CountIncidents(ctx, storage.IncidentQuery{
			TenantID: sig.TenantID,
			ActorID:  sig.ActorID,
			Actions:  severeActions,
			Since:    since,
		})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return reputationReason("actor", n, cfg.ReputationWindow), nil
		}
	}

	if sig.SourceAddress != "" {
		n, err := h.incidents.CountIncidents(ctx, storage.IncidentQuery{
			SourceAddress: sig.SourceAddress,
			Actions:       severeActions,
			Since:         since,
		})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return reputationReason("address", n, cfg.ReputationWindow), nil
		}
	}
	return nil, nil
}

func reputationReason(who string, n int64, window time.Duration) *Reason {
	return &Reason{
		Tag:      TagReputation,
		Severity: SeverityHigh,
		Detail:   fmt.Sprintf("%s has %d blocks in %s", who, n, window),
	}
}

// ============================================================================
// ADDRESS_SCORE
// ============================================================================

type addressHeuristic struct {
	scorer *AddressScorer
}

func (h *addressHeuristic) Name() string { return "address_score" }

func (h *addressHeuristic) Check(ctx context.Context, sig Signal, _ *config.AbuseConfig) (*Reason, error) {
	if sig.SourceAddress == "" {
		return nil, nil
	}
	score, err := h.scorer.Score(ctx, sig.SourceAddress, sig.Timestamp)
	if err != nil {
		return nil, err
	}
	sev := ScoreSeverity(score)
	if sev == SeverityNone {
		return nil, nil
	}
	return &Reason{
		Tag:      TagAddressScore,
		Severity: sev,
		Detail:   fmt.Sprintf("address score %d", score),
	}, nil
}
