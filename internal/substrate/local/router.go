// Package local implements an in-process substrate.
//
// A Router plays the role of the network: every Session opened on the same
// Router sees the declarations of the others, and independent Routers are fully
// isolated. Delivery is reliable and in memory; ordering is FIFO per publisher.
package local

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/substrate"
)

// Router resolves topics against the declarations of all attached sessions.
type Router struct {
	subs       *keyexpr.Index[*subscriber]
	queryables *keyexpr.Index[*queryable]

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		subs:       keyexpr.NewIndex[*subscriber](),
		queryables: keyexpr.NewIndex[*queryable](),
		sessions:   make(map[string]*Session),
	}
}

// Open attaches a new session to the router.
// It fails with substrate.ErrConnection once the router is closed.
func (r *Router) Open(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, substrate.ErrConnection
	}

	s := &Session{
		id:     uuid.NewString(),
		name:   name,
		router: r,
		decls:  make(map[string]undeclarer),
	}
	r.sessions[s.id] = s
	return s, nil
}

// Close closes every attached session and refuses new ones.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SessionCount returns the number of open sessions.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SubscriberCount returns the number of live subscriber declarations.
func (r *Router) SubscriberCount() int {
	return r.subs.Len()
}

// QueryableCount returns the number of live queryable declarations.
func (r *Router) QueryableCount() int {
	return r.queryables.Len()
}

func (r *Router) detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}
