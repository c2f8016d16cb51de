package selector

import (
	"sort"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

// orderInput carries the shared signals a strategy may use when ordering.
type orderInput struct {
	model   string
	format  apiformat.Format
	randFn  func(n int) int
	next    func(model string, format apiformat.Format) uint64
	latency LatencySource
}

// strategy orders eligible candidates for one request. Each scheduling mode
// has exactly one implementation.
type strategy interface {
	Order(candidates []Candidate, in orderInput) []Candidate
}

// priorityStrategy orders by effective per-format priority, lowest first.
// Ties keep their mapping order.
type priorityStrategy struct{}

func (priorityStrategy) Order(candidates []Candidate, in orderInput) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key.PriorityFor(in.format) < out[j].Key.PriorityFor(in.format)
	})
	return out
}

// randomStrategy returns a uniform permutation of the candidates.
type randomStrategy struct{}

func (randomStrategy) Order(candidates []Candidate, in orderInput) []Candidate {
	out := append([]Candidate(nil), candidates...)
	for i := len(out) - 1; i > 0; i-- {
		j := in.randFn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// roundRobinStrategy rotates the priority order by a shared cursor so
// successive requests start at successive candidates.
type roundRobinStrategy struct{}

func (roundRobinStrategy) Order(candidates []Candidate, in orderInput) []Candidate {
	base := priorityStrategy{}.Order(candidates, in)
	offset := int(in.next(in.model, in.format) % uint64(len(base)))
	out := make([]Candidate, 0, len(base))
	out = append(out, base[offset:]...)
	out = append(out, base[:offset]...)
	return out
}

// weightedStrategy draws candidates without replacement with probability
// proportional to key weight.
type weightedStrategy struct{}

func (weightedStrategy) Order(candidates []Candidate, in orderInput) []Candidate {
	pool := append([]Candidate(nil), candidates...)
	out := make([]Candidate, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, c := range pool {
			total += candidateWeight(c)
		}
		pick := in.randFn(total)
		idx := 0
		for i, c := range pool {
			pick -= candidateWeight(c)
			if pick < 0 {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func candidateWeight(c Candidate) int {
	if c.Key.Weight < 1 {
		return 1
	}
	return c.Key.Weight
}

// latencyStrategy orders by observed average latency ascending. Keys with no
// samples sort first so new keys get measured; ties fall back to priority.
type latencyStrategy struct{}

func (latencyStrategy) Order(candidates []Candidate, in orderInput) []Candidate {
	out := priorityStrategy{}.Order(candidates, in)
	lat := func(c Candidate) time.Duration {
		if in.latency == nil {
			return 0
		}
		if d, ok := in.latency.AvgLatency(c.Key.ID, in.format); ok {
			return d
		}
		return 0
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lat(out[i]) < lat(out[j])
	})
	return out
}
