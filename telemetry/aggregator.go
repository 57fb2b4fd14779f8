package telemetry

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetentionWeeks bounds how far back the rolling aggregator keeps
// buckets.
const DefaultRetentionWeeks = 12

// WeeklyCounters is the rollup for one guardrail policy over one ISO week.
type WeeklyCounters struct {
	PolicyID         string    `json:"policyId"`
	WeekStart        time.Time `json:"weekStart"`
	Requests         int64     `json:"requests"`
	Errors           int64     `json:"errors"`
	Interventions    int64     `json:"interventions"`
	Bypasses         int64     `json:"bypasses"`
	EntitiesRedacted int64     `json:"entitiesRedacted"`
	Retries          int64     `json:"retries"`
	CacheHits        int64     `json:"cacheHits"`
	CacheMisses      int64     `json:"cacheMisses"`
	Degraded         int64     `json:"degraded"`
}

type weekKey struct {
	policyID  string
	weekStart time.Time
}

// Aggregator keeps process-wide weekly counters keyed by policy and ISO
// week start (Monday 00:00 UTC). Buckets older than the retention window
// are pruned on every write.
type Aggregator struct {
	mu        sync.Mutex
	buckets   map[weekKey]*WeeklyCounters
	retention int
	now       func() time.Time
}

func NewAggregator(retentionWeeks int) *Aggregator {
	if retentionWeeks <= 0 {
		retentionWeeks = DefaultRetentionWeeks
	}
	return &Aggregator{
		buckets:   make(map[weekKey]*WeeklyCounters),
		retention: retentionWeeks,
		now:       time.Now,
	}
}

// WeekStart returns the Monday 00:00 UTC that starts t's ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.AddDate(0, 0, -offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Cutoff is the earliest week start still retained at now.
func (a *Aggregator) Cutoff(now time.Time) time.Time {
	return WeekStart(now).AddDate(0, 0, -7*(a.retention-1))
}

func (a *Aggregator) Record(m *RequestMetrics) {
	m.mu.Lock()
	key := weekKey{policyID: m.PolicyID, weekStart: WeekStart(m.StartedAt)}
	delta := WeeklyCounters{
		Requests:         1,
		Interventions:    int64(m.Interventions),
		EntitiesRedacted: int64(m.EntitiesRedacted),
		Retries:          int64(m.Retries),
	}
	if m.Outcome != OutcomeOK {
		delta.Errors = 1
	}
	if m.Bypassed {
		delta.Bypasses = 1
	}
	for _, r := range []CacheResult{m.ContextCache, m.AnswerCache} {
		switch r {
		case CacheHit:
			delta.CacheHits++
		case CacheMiss:
			delta.CacheMisses++
		}
	}
	if m.Degraded {
		delta.Degraded = 1
	}
	m.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.now())
	if key.weekStart.Before(a.Cutoff(a.now())) {
		return
	}
	b, ok := a.buckets[key]
	if !ok {
		b = &WeeklyCounters{PolicyID: key.policyID, WeekStart: key.weekStart}
		a.buckets[key] = b
	}
	b.add(delta)
}

func (w *WeeklyCounters) add(d WeeklyCounters) {
	w.Requests += d.Requests
	w.Errors += d.Errors
	w.Interventions += d.Interventions
	w.Bypasses += d.Bypasses
	w.EntitiesRedacted += d.EntitiesRedacted
	w.Retries += d.Retries
	w.CacheHits += d.CacheHits
	w.CacheMisses += d.CacheMisses
	w.Degraded += d.Degraded
}

// Prune drops buckets older than the retention window and returns how many
// were removed.
func (a *Aggregator) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pruneLocked(a.now())
}

func (a *Aggregator) pruneLocked(now time.Time) int {
	cutoff := a.Cutoff(now)
	removed := 0
	for k := range a.buckets {
		if k.weekStart.Before(cutoff) {
			delete(a.buckets, k)
			removed++
		}
	}
	return removed
}

// Load merges persisted rollups, replacing any in-memory bucket for the same
// key. Used to warm the aggregator on startup.
func (a *Aggregator) Load(rows []WeeklyCounters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rows {
		r.WeekStart = WeekStart(r.WeekStart)
		row := r
		a.buckets[weekKey{policyID: r.PolicyID, weekStart: r.WeekStart}] = &row
	}
	a.pruneLocked(a.now())
}

// Snapshot returns a copy of every bucket, newest week first, then by
// policy.
func (a *Aggregator) Snapshot() []WeeklyCounters {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]WeeklyCounters, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WeekStart.Equal(out[j].WeekStart) {
			return out[i].WeekStart.After(out[j].WeekStart)
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buckets = make(map[weekKey]*WeeklyCounters)
}
