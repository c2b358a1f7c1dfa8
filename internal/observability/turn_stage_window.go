package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the conversation machine.
const (
	StageSessionOpen         = "session_open"
	StageFirstAudio          = "speech_to_first_audio"
	StageToolFulfillment     = "tool_fulfillment"
	StageClarificationPrompt = "clarification_prompt"
	StageTurnTotal           = "turn_total"
)

// p95 budgets shown next to each stage on the latency endpoint.
var stageTargetsMS = map[string]float64{
	StageSessionOpen:         3000,
	StageFirstAudio:          1200,
	StageToolFulfillment:     6000,
	StageClarificationPrompt: 1500,
	StageTurnTotal:           4000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// sampleRing keeps the most recent values of one stage.
type sampleRing struct {
	buf  []float64
	n    int
	last float64
}

func (r *sampleRing) add(v float64) {
	r.buf[r.n%len(r.buf)] = v
	r.n++
	r.last = v
}

// sorted returns a sorted copy of the retained values.
func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:min(r.n, len(r.buf))])
	slices.Sort(out)
	return out
}

// turnStageWindow is a rolling per-stage latency window plus outcome counters.
type turnStageWindow struct {
	size int

	mu         sync.RWMutex
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		values := w.rings[stage].sorted()
		if len(values) == 0 {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:       stage,
			Samples:     len(values),
			LastMS:      round2(w.rings[stage].last),
			AvgMS:       round2(sum / float64(len(values))),
			P50MS:       round2(percentile(values, 0.50)),
			P95MS:       round2(percentile(values, 0.95)),
			P99MS:       round2(percentile(values, 0.99)),
			TargetP95MS: stageTargetsMS[stage],
		})
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
