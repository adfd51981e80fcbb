package abuse

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"mercator-hq/costgate/pkg/limits/storage"
)

const (
	// AddressScoreWindow is how far back incidents count toward an
	// address score.
	AddressScoreWindow = 24 * time.Hour

	// pointsPerIncident maps one incident to score points.
	pointsPerIncident = 20
	maxAddressScore   = 100
)

// AddressScorer derives a 0-100 score for a source address from its recent
// incidents across all tenants. Scores are cached with a TTL.
type AddressScorer struct {
	incidents storage.IncidentLog
	cache     *expirable.LRU[string, int]
	group     singleflight.Group
}

// NewAddressScorer creates a scorer caching up to size addresses for ttl.
func NewAddressScorer(incidents storage.IncidentLog, size int, ttl time.Duration) *AddressScorer {
	if size <= 0 {
		size = 10000
	}
	return &AddressScorer{
		incidents: incidents,
		cache:     expirable.NewLRU[string, int](size, nil, ttl),
	}
}

// Score returns the cached score for address or computes it from incidents
// in the 24 hours before now.
func (s *AddressScorer) Score(ctx context.Context, address string, now time.Time) (int, error) {
	if score, ok := s.cache.Get(address); ok {
		return score, nil
	}

	v, err, _ := s.group.Do(address, func() (any, error) {
		n, err := s.incidents.CountIncidents(ctx, storage.IncidentQuery{
			SourceAddress: address,
			Since:         now.Add(-AddressScoreWindow),
		})
		if err != nil {
			return 0, err
		}
		score := scoreFromCount(n)
		s.cache.Add(address, score)
		return score, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Invalidate drops the cached score for address.
func (s *AddressScorer) Invalidate(address string) {
	s.cache.Remove(address)
}

// Purge empties the cache.
func (s *AddressScorer) Purge() {
	s.cache.Purge()
}

func scoreFromCount(n int64) int {
	if n*pointsPerIncident >= maxAddressScore {
		return maxAddressScore
	}
	return int(n * pointsPerIncident)
}

// ScoreSeverity maps an address score to a severity.
func ScoreSeverity(score int) Severity {
	switch {
	case score >= 80:
		return SeverityHigh
	case score >= 50:
		return SeverityMedium
	case score >= 20:
		return SeverityLow
	default:
		return SeverityNone
	}
}
