package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Named lifecycle stages observed by the session controller.
const (
	StageTokenFetch     = "token_fetch"
	StageChannelJoin    = "channel_join"
	StageMicPublish     = "mic_publish"
	StageEnterToLive    = "enter_to_live"
	StageRestoreTotal   = "restore_total"
	StageTerminateTotal = "terminate_total"
)

type LifecycleStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type LifecycleIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LifecycleSnapshot struct {
	GeneratedAt time.Time             `json:"generated_at"`
	WindowSize  int                   `json:"window_size"`
	Stages      []LifecycleStageStats `json:"stages"`
	Indicators  []LifecycleIndicator  `json:"indicators,omitempty"`
}

// LifecycleWindow keeps a rolling window of per-stage latencies so the perf
// endpoint can report percentiles without a metrics backend.
type LifecycleWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
	indicators map[string]int
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLifecycleWindow(maxSamples int) *LifecycleWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LifecycleWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
		indicators: make(map[string]int),
	}
}

func (w *LifecycleWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// ObserveSince records the elapsed time from start for stage.
func (w *LifecycleWindow) ObserveSince(stage string, start time.Time) {
	w.Observe(stage, float64(time.Since(start).Milliseconds()))
}

// ObserveIndicator bumps a named incident counter, e.g. drift resyncs or
// failsafe firings.
func (w *LifecycleWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *LifecycleWindow) Snapshot() LifecycleSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]LifecycleStageStats, 0, len(w.stages))
	for _, stage := range keys {
		buf := w.stages[stage]
		if buf == nil {
			continue
		}
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, LifecycleStageStats{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)

	indicators := make([]LifecycleIndicator, 0, len(w.indicators))
	for _, name := range indicatorKeys {
		count := w.indicators[name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, LifecycleIndicator{
			Name:  name,
			Count: count,
		})
	}

	return LifecycleSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *LifecycleWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*stageBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageTokenFetch:
		return 400
	case StageChannelJoin:
		return 1500
	case StageMicPublish:
		return 800
	case StageEnterToLive:
		return 3000
	case StageRestoreTotal:
		return 5000
	case StageTerminateTotal:
		return 2500
	default:
		return 0
	}
}
