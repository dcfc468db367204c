// Package registry implements the AgentRegistry (spec §4.3): the
// goroutine-safe, in-memory set of live AgentProcess records, keyed by
// card, enforcing per-card, per-project, and global concurrency caps.
//
// Grounded on jaakkos-stringwork's CollabService.Run(fn) single-mutex
// pattern (internal/app/service.go): every compound check-then-mutate
// operation happens inside one short critical section, so reserve+commit
// never races against a concurrent reserve that also passed the cap check.
package registry

import (
	"sync"
	"time"

	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/ids"
	"github.com/maslow-ai/maslow/internal/model"
)

// DefaultReservationTTL is how long an uncommitted reservation is held
// before it is treated as abandoned and auto-released (spec §4.3).
const DefaultReservationTTL = 30 * time.Second

// DefaultMaxConcurrentAgents is the global cap when none is configured.
const DefaultMaxConcurrentAgents = 3

// Token is returned by Reserve and is passed to Commit. An uncommitted
// reservation is dropped by Release(cardID) or when its TTL expires.
type Token struct {
	cardID    string
	projectID string
	issued    time.Time
}

type reservation struct {
	projectID string
	deadline  time.Time
}

// Registry is the AgentRegistry.
type Registry struct {
	Clock          clock.Source
	ReservationTTL time.Duration
	MaxConcurrent  int // global cap; 0 means DefaultMaxConcurrentAgents

	mu           sync.Mutex
	live         map[string]*model.AgentProcess // cardID -> process
	reservations map[string]reservation         // cardID -> pending reservation
}

// New returns an empty Registry.
func New(c clock.Source) *Registry {
	return &Registry{Clock: c, live: make(map[string]*model.AgentProcess), reservations: make(map[string]reservation)}
}

func (r *Registry) ttl() time.Duration {
	if r.ReservationTTL <= 0 {
		return DefaultReservationTTL
	}
	return r.ReservationTTL
}

func (r *Registry) cap() int {
	if r.MaxConcurrent <= 0 {
		return DefaultMaxConcurrentAgents
	}
	return r.MaxConcurrent
}

// Reserve atomically verifies: no live or pending entry for cardID, no live
// or pending entry for projectID, and the number of live entries plus
// pending reservations is below effectiveCap (the caller-supplied, possibly
// project-narrowed cap; pass 0 to use the registry's configured global cap).
// On success it returns a Token for Commit; Release(cardID) drops the
// reservation instead.
func (r *Registry) Reserve(cardID, projectID string, effectiveCap int) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireStaleLocked()

	if effectiveCap <= 0 {
		effectiveCap = r.cap()
	}

	if _, ok := r.live[cardID]; ok {
		return Token{}, errs.Capacity("card " + cardID + " already has a live agent")
	}
	if _, ok := r.reservations[cardID]; ok {
		return Token{}, errs.Capacity("card " + cardID + " already reserved")
	}
	if r.projectBusyLocked(projectID) {
		return Token{}, errs.Capacity("project " + projectID + " already has a live or reserved agent")
	}
	if len(r.live)+len(r.reservations) >= effectiveCap {
		return Token{}, errs.Capacity("global agent concurrency cap reached")
	}

	r.reservations[cardID] = reservation{projectID: projectID, deadline: r.Clock.Now().Add(r.ttl())}
	return Token{cardID: cardID, projectID: projectID, issued: r.Clock.Now()}, nil
}

func (r *Registry) projectBusyLocked(projectID string) bool {
	for _, p := range r.live {
		if p.ProjectID == projectID {
			return true
		}
	}
	for _, res := range r.reservations {
		if res.projectID == projectID {
			return true
		}
	}
	return false
}

// expireStaleLocked drops any reservation past its TTL. Must be called
// with mu held.
func (r *Registry) expireStaleLocked() {
	now := r.Clock.Now()
	for cardID, res := range r.reservations {
		if now.After(res.deadline) {
			delete(r.reservations, cardID)
		}
	}
}

// Commit converts a reservation into a live entry. The token must still be
// outstanding (not expired, not already released/committed).
func (r *Registry) Commit(tok Token, proc *model.AgentProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireStaleLocked()
	if _, ok := r.reservations[tok.cardID]; !ok {
		return errs.Capacity("reservation for card " + tok.cardID + " expired or absent")
	}
	delete(r.reservations, tok.cardID)
	r.live[tok.cardID] = proc
	return nil
}

// Release removes a live entry or pending reservation for cardID. It is a
// no-op if absent.
func (r *Registry) Release(cardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, cardID)
	delete(r.reservations, cardID)
}

// ListRunning returns a serialization-safe snapshot of every live
// AgentProcess, with the opaque process/supervisor handles stripped —
// grounded on the teacher's server.toJSON "build a safe view" idiom.
func (r *Registry) ListRunning() []model.AgentProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AgentProcess, 0, len(r.live))
	for _, p := range r.live {
		cp := *p
		cp.ExternalProcessHandle = nil
		cp.SupervisorTaskHandle = nil
		out = append(out, cp)
	}
	return out
}

// CountRunning returns the number of live entries.
func (r *Registry) CountRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Get returns the live AgentProcess for a card, if any.
func (r *Registry) Get(cardID string) (*model.AgentProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live[cardID]
	return p, ok
}

// HasLiveForProject reports whether projectID currently has a live agent.
func (r *Registry) HasLiveForProject(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.live {
		if p.ProjectID == projectID {
			return true
		}
	}
	return false
}

// NewSpanID is a convenience re-export so callers constructing AgentProcess
// values don't need a separate import for span IDs.
func NewSpanID() string { return ids.New() }
