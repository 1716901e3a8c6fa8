// Package risk scores assets against an upstream reputation source with
// a read-through TTL cache. Concurrent misses for the same asset coalesce
// into one upstream fetch.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/risk")

// HighRiskThreshold is the fixed classification boundary: an asset is
// high risk iff its composite risk score is strictly greater than this.
// Independent of the per-user thresholds used by the approval gate.
const HighRiskThreshold = 70

// DefaultCacheTTL bounds how long a fetched score is served without
// re-checking the upstream.
const DefaultCacheTTL = time.Hour

// ErrUpstreamUnavailable is returned when the upstream source fails and
// no cached value exists. Callers must not treat it as "low risk".
var ErrUpstreamUnavailable = errors.New("risk upstream unavailable")

// Score is one asset's risk assessment.
type Score struct {
	AssetID         string    `json:"asset_id"`
	Risk            int       `json:"risk"`      // 0-100 composite
	Market          int       `json:"market"`    // 0-100 sub-score
	Liquidity       int       `json:"liquidity"` // 0-100 sub-score
	LimitingFactors []string  `json:"limiting_factors"`
	CachedAt        time.Time `json:"cached_at"`
}

// HighRisk reports whether the composite score crosses the fixed threshold.
func (s *Score) HighRisk() bool {
	return s.Risk > HighRiskThreshold
}

// Source fetches a fresh score from the upstream reputation provider.
type Source interface {
	Fetch(ctx context.Context, assetID string) (*Score, error)
}

// Scorer is the read-through cache in front of a Source. Safe for
// concurrent use; one instance serves all requests.
type Scorer struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*Score

	flight singleflight.Group
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithTTL overrides the default cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Scorer) { s.ttl = ttl }
}

// withNow injects a clock for tests.
func withNow(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a scorer over the given upstream source.
func NewScorer(source Source, opts ...Option) *Scorer {
	s := &Scorer{
		source: source,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		cache:  make(map[string]*Score),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score returns the asset's risk assessment. A fresh cache entry returns
// immediately; a miss fetches from upstream, coalescing concurrent misses
// for the same asset into a single call. On upstream failure a stale
// cached value is served; with no cached value the error wraps
// ErrUpstreamUnavailable.
func (s *Scorer) Score(ctx context.Context, assetID string) (*Score, error) {
	ctx, span := tracer.Start(ctx, "risk.score")
	defer span.End()
	span.SetAttributes(attribute.String("risk.asset_id", assetID))

	if cached, fresh := s.lookup(assetID); fresh {
		span.SetAttributes(attribute.Bool("risk.cache_hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("risk.cache_hit", false))

	v, err, shared := s.flight.Do(assetID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent winner may have
		// populated the cache while this caller queued.
		if cached, fresh := s.lookup(assetID); fresh {
			return cached, nil
		}
		fetched, err := s.source.Fetch(ctx, assetID)
		if err != nil {
			return nil, err
		}
		fetched.CachedAt = s.now().UTC()
		s.store(assetID, fetched)
		return fetched, nil
	})
	span.SetAttributes(attribute.Bool("risk.flight_shared", shared))

	if err != nil {
		if stale, _ := s.lookup(assetID); stale != nil {
			log.Warn().
				Str("asset_id", assetID).
				Time("cached_at", stale.CachedAt).
				Err(err).
				Msg("risk_stale_served")
			return stale, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamUnavailable, assetID, err)
	}

	return v.(*Score), nil
}

// Refresh forces an upstream fetch for each asset, replacing cached
// entries. Errors are per-asset and do not stop the sweep.
func (s *Scorer) Refresh(ctx context.Context, assetIDs []string) map[string]error {
	ctx, span := tracer.Start(ctx, "risk.refresh")
	defer span.End()
	span.SetAttributes(attribute.Int("risk.refresh_count", len(assetIDs)))

	failures := make(map[string]error)
	for _, id := range assetIDs {
		fetched, err := s.source.Fetch(ctx, id)
		if err != nil {
			failures[id] = err
			continue
		}
		fetched.CachedAt = s.now().UTC()
		s.store(id, fetched)
	}
	return failures
}

// lookup returns the cached score and whether it is still within TTL.
func (s *Scorer) lookup(assetID string) (*Score, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.cache[assetID]
	if !ok {
		return nil, false
	}
	return cached, s.now().Sub(cached.CachedAt) < s.ttl
}

func (s *Scorer) store(assetID string, score *Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[assetID] = score
}
