package metrics

import (
	"sort"
	"sync"
	"time"
)

const DefaultCapacity = 100

type Sample struct {
	Timestamp time.Time
	Value     float64
}

type Stats struct {
	Name  string  `json:"name"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
	Count int     `json:"count"`
}

// ring is a fixed-capacity buffer of latency samples, oldest evicted first.
type ring struct {
	samples []Sample
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]Sample, 0, capacity)}
}

func (r *ring) add(s Sample) {
	if !r.full && len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, s)
		if len(r.samples) == cap(r.samples) {
			r.full = true
		}
		return
	}
	r.samples[r.next] = s
	r.next = (r.next + 1) % cap(r.samples)
}

func (r *ring) values() []float64 {
	out := make([]float64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Value
	}
	return out
}

func (r *ring) last() Sample {
	if len(r.samples) == 0 {
		return Sample{}
	}
	if !r.full {
		return r.samples[len(r.samples)-1]
	}
	idx := r.next - 1
	if idx < 0 {
		idx = len(r.samples) - 1
	}
	return r.samples[idx]
}

type Aggregator struct {
	mu       sync.Mutex
	capacity int
	buffers  map[string]*ring
	counters map[string]uint64
}

func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		buffers:  make(map[string]*ring),
		counters: make(map[string]uint64),
	}
}

func (a *Aggregator) RecordLatency(name string, valueMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[name]
	if !ok {
		buf = newRing(a.capacity)
		a.buffers[name] = buf
	}
	buf.add(Sample{Timestamp: time.Now(), Value: valueMs})
}

func (a *Aggregator) RecordDuration(name string, d time.Duration) {
	a.RecordLatency(name, float64(d.Milliseconds()))
}

func (a *Aggregator) RecordEvent(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters[name]++
}

func (a *Aggregator) Counter(name string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// Stats computes nearest-rank percentiles over the current buffer contents.
// p50 index = floor(0.5*n), p95 index = floor(0.95*n), both clamped to [0, n-1].
func (a *Aggregator) Stats(name string) (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[name]
	if !ok || len(buf.samples) == 0 {
		return Stats{Name: name}, false
	}

	values := buf.values()
	sort.Float64s(values)

	n := len(values)
	return Stats{
		Name:  name,
		P50:   values[clampIndex(n/2, n)],
		P95:   values[clampIndex(int(float64(n)*0.95), n)],
		Max:   values[n-1],
		Last:  buf.last().Value,
		Count: n,
	}, true
}

func (a *Aggregator) AllStats() []Stats {
	a.mu.Lock()
	names := make([]string, 0, len(a.buffers))
	for name := range a.buffers {
		names = append(names, name)
	}
	a.mu.Unlock()

	sort.Strings(names)
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if s, ok := a.Stats(name); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *Aggregator) Counters() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.counters))
	for k, v := range a.counters {
		out[k] = v
	}
	return out
}

func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[string]*ring)
	a.counters = make(map[string]uint64)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
