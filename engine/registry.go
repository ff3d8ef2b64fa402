package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engagekit/core"
)

// Pattern is a parsed topic pattern. Segments are literal or "*"; a trailing
// "*" matches one or more segments, any other "*" exactly one.
type Pattern struct {
	raw  string
	segs []string
}

// ParsePattern validates and parses a subscription pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, &core.ValidationError{Field: "pattern", Reason: "pattern cannot be empty"}
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "*" {
			continue
		}
		if seg == "" {
			return Pattern{}, &core.ValidationError{Field: "pattern", Reason: fmt.Sprintf("empty segment in %q", s)}
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && r != '_' {
				return Pattern{}, &core.ValidationError{Field: "pattern", Reason: fmt.Sprintf("invalid segment %q in %q", seg, s)}
			}
		}
	}
	return Pattern{raw: s, segs: segs}, nil
}

func (p Pattern) String() string { return p.raw }

// IsExact reports whether the pattern contains no wildcard.
func (p Pattern) IsExact() bool { return !strings.Contains(p.raw, "*") }

// Match compares segment by segment; "a.b.*" never matches "a.bc.d".
func (p Pattern) Match(t core.Topic) bool {
	ts := strings.Split(string(t), ".")
	for i, seg := range p.segs {
		if seg == "*" && i == len(p.segs)-1 {
			return len(ts) > i
		}
		if i >= len(ts) {
			return false
		}
		if seg != "*" && seg != ts[i] {
			return false
		}
	}
	return len(ts) == len(p.segs)
}

type subscription struct {
	id      string
	seq     uint64
	pattern Pattern
	handler Handler
	box     *mailbox

	processed    atomic.Int64
	failed       atomic.Int64
	consecutive  atomic.Int64
	latencyNanos atomic.Int64
	lastAt       atomic.Int64

	mu      sync.Mutex
	lastErr string
}

// record updates health counters and reports whether this failure pushed the
// subscription over the degraded threshold.
func (s *subscription) record(err error, d time.Duration, degradedAfter int) bool {
	s.latencyNanos.Add(int64(d))
	s.lastAt.Store(time.Now().UnixNano())
	if err == nil {
		s.processed.Add(1)
		s.consecutive.Store(0)
		return false
	}
	s.failed.Add(1)
	n := s.consecutive.Add(1)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	return degradedAfter > 0 && n == int64(degradedAfter)
}

func (s *subscription) health(degradedAfter int) SubscriptionHealth {
	processed := s.processed.Load()
	failed := s.failed.Load()
	h := SubscriptionHealth{
		ID:                  s.id,
		Pattern:             s.pattern.String(),
		Processed:           processed,
		Failed:              failed,
		ConsecutiveFailures: s.consecutive.Load(),
	}
	if total := processed + failed; total > 0 {
		h.ErrorRate = float64(failed) / float64(total)
		h.AvgLatency = time.Duration(s.latencyNanos.Load() / total)
	}
	h.Degraded = degradedAfter > 0 && h.ConsecutiveFailures >= int64(degradedAfter)
	if at := s.lastAt.Load(); at > 0 {
		t := time.Unix(0, at).UTC()
		h.LastProcessedAt = &t
	}
	if s.box != nil {
		h.QueueDepth = s.box.depth()
	}
	s.mu.Lock()
	h.LastError = s.lastErr
	s.mu.Unlock()
	return h
}

// registry indexes subscriptions by exact topic and keeps wildcard ones apart.
type registry struct {
	mu       sync.RWMutex
	seq      uint64
	byID     map[string]*subscription
	exact    map[core.Topic]map[string]*subscription
	wildcard map[string]*subscription
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[string]*subscription),
		exact:    make(map[core.Topic]map[string]*subscription),
		wildcard: make(map[string]*subscription),
	}
}

func (r *registry) add(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s.seq = r.seq
	r.byID[s.id] = s
	if s.pattern.IsExact() {
		t := core.Topic(s.pattern.String())
		if r.exact[t] == nil {
			r.exact[t] = make(map[string]*subscription)
		}
		r.exact[t][s.id] = s
		return
	}
	r.wildcard[s.id] = s
}

func (r *registry) remove(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if s.pattern.IsExact() {
		t := core.Topic(s.pattern.String())
		if m := r.exact[t]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(r.exact, t)
			}
		}
	} else {
		delete(r.wildcard, id)
	}
	return s, true
}

// match returns matching subscriptions in registration order.
func (r *registry) match(t core.Topic) []*subscription {
	r.mu.RLock()
	out := make([]*subscription, 0, len(r.exact[t])+len(r.wildcard))
	for _, s := range r.exact[t] {
		out = append(out, s)
	}
	for _, s := range r.wildcard {
		if s.pattern.Match(t) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *registry) all() []*subscription {
	r.mu.RLock()
	out := make([]*subscription, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
