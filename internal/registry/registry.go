// Package registry keeps the engine's product universe in sync with an
// external source of truth on a fixed period. The source going away is
// never fatal: the last-known-good set keeps serving, and an empty
// result falls back to the static list so the engine never idles on
// zero products by accident.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candlefeed/pkg/shared"
)

// Source resolves the active product set.
type Source interface {
	ActiveProducts(ctx context.Context) ([]string, error)
}

// Update describes one instrument-set change.
type Update struct {
	Products []string // full new set, sorted
	Added    []string
	Removed  []string
}

// Metrics is the registry's instrument bundle.
type Metrics struct {
	Refreshes prometheus.Counter
	Failures  prometheus.Counter
	Products  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{Name: "registry_refreshes_total", Help: "Product refreshes"}),
		Failures:  prometheus.NewCounter(prometheus.CounterOpts{Name: "registry_refresh_failures_total", Help: "Failed product refreshes"}),
		Products:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "registry_products", Help: "Products in the live set"}),
	}
	reg.MustRegister(m.Refreshes, m.Failures, m.Products)
	return m
}

// Registry diffs the source against the live set and emits debounced
// updates. Only Run mutates current, so Refresh and Run must not be
// called concurrently; Current is safe anytime via the updates channel
// contract (main calls Refresh once before starting Run).
type Registry struct {
	src      Source
	fallback []string
	period   time.Duration
	debounce time.Duration
	log      shared.Logger
	m        *Metrics

	current []string
	updates chan Update
}

func New(src Source, fallback []string, period, debounce time.Duration, log shared.Logger, m *Metrics) *Registry {
	return &Registry{
		src:      src,
		fallback: sortedCopy(fallback),
		period:   period,
		debounce: debounce,
		log:      log,
		m:        m,
		updates:  make(chan Update, 4),
	}
}

// Updates delivers instrument-set changes to the engine.
func (r *Registry) Updates() <-chan Update { return r.updates }

// Current returns the live set.
func (r *Registry) Current() []string { return sortedCopy(r.current) }

// Refresh queries the source once and applies the diff. Returns the
// update and whether the set changed. Query failure keeps the
// last-known-good set; an empty result swaps in the fallback list.
func (r *Registry) Refresh(ctx context.Context) (Update, bool) {
	r.m.Refreshes.Inc()
	products, err := r.src.ActiveProducts(ctx)
	if err != nil {
		r.m.Failures.Inc()
		r.log.Printf("[registry] product query failed, keeping %d products: %v", len(r.current), err)
		return Update{Products: r.Current()}, false
	}
	if len(products) == 0 {
		r.log.Printf("[registry] source returned no products, using fallback list of %d", len(r.fallback))
		products = r.fallback
	}
	next := sortedCopy(products)
	added, removed := diff(r.current, next)
	if len(added) == 0 && len(removed) == 0 {
		return Update{Products: next}, false
	}
	r.current = next
	r.m.Products.Set(float64(len(next)))
	r.log.Printf("[registry] product set changed: +%d -%d (now %d)", len(added), len(removed), len(next))
	return Update{Products: next, Added: added, Removed: removed}, true
}

// Run refreshes on the configured period. A detected change is held for
// the debounce delay before being emitted, so rapid successive changes
// collapse into one resubscription.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up, changed := r.Refresh(ctx)
			if !changed {
				continue
			}
			if !r.sleep(ctx, r.debounce) {
				return
			}
			select {
			case r.updates <- up:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Registry) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// diff assumes both inputs are sorted.
func diff(old, next []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(old) && j < len(next) {
		switch {
		case old[i] == next[j]:
			i++
			j++
		case old[i] < next[j]:
			removed = append(removed, old[i])
			i++
		default:
			added = append(added, next[j])
			j++
		}
	}
	removed = append(removed, old[i:]...)
	added = append(added, next[j:]...)
	return added, removed
}
