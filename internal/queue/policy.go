package queue

import (
	"sync"

	"github.com/vsrinivas/crashd/internal/domain"
)

// StaticPolicy is a PolicySource pinned to one policy forever, for
// deployments where upload consent is decided at build/config time.
type StaticPolicy domain.ReportingPolicy

// Watch reports the fixed policy once; it never changes.
func (p StaticPolicy) Watch(fn func(domain.ReportingPolicy)) {
	fn(domain.ReportingPolicy(p))
}

// PolicyStream is an externally driven PolicySource: Set publishes a new
// policy to every watcher. Safe for concurrent use.
type PolicyStream struct {
	mu       sync.Mutex
	current  domain.ReportingPolicy
	watchers []func(domain.ReportingPolicy)
}

// NewPolicyStream returns a stream starting at initial.
func NewPolicyStream(initial domain.ReportingPolicy) *PolicyStream {
	return &PolicyStream{current: initial}
}

// Watch registers fn, invoking it immediately with the current policy.
func (s *PolicyStream) Watch(fn func(domain.ReportingPolicy)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	cur := s.current
	s.mu.Unlock()
	fn(cur)
}

// Set publishes a new policy.
func (s *PolicyStream) Set(p domain.ReportingPolicy) {
	s.mu.Lock()
	s.current = p
	watchers := make([]func(domain.ReportingPolicy), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(p)
	}
}

// NetworkStream is a NetworkWatcher driven by explicit Set calls (e.g. from a
// platform reachability hook).
type NetworkStream struct {
	mu       sync.Mutex
	watchers []func(bool)
}

// Watch registers fn for future reachability transitions.
func (s *NetworkStream) Watch(fn func(bool)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Set publishes a reachability transition.
func (s *NetworkStream) Set(reachable bool) {
	s.mu.Lock()
	watchers := make([]func(bool), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(reachable)
	}
}
