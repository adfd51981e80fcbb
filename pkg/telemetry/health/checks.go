package health

import (
	"context"
	"fmt"
	"strings"

	"mercator-hq/costgate/pkg/resilience/breaker"
)

// Pinger is implemented by the ledger and counter stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck checks a store's connectivity.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// BreakerCheck fails while any breaker in the registry is open.
func BreakerCheck(reg *breaker.Registry) CheckFunc {
	return func(ctx context.Context) error {
		var open []string
		for _, s := range reg.Stats() {
			if s.State == breaker.StateOpen {
				open = append(open, s.Name)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	}
}
