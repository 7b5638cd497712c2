// Package registry maps persisted connection profiles to live sessions.
package registry

import (
	"fmt"
	"sync"

	"github.com/mqdeck-io/mqdeck/internal/pkg/metrics"
	"github.com/mqdeck-io/mqdeck/internal/session"
	"github.com/mqdeck-io/mqdeck/internal/store"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// Registry lazily creates one Session per persisted config and caches it,
// so every caller asking for the same connection id shares the same
// instance and observes the same state.
type Registry struct {
	store *store.Store
	opts  session.Options
	log   log.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New builds a registry over the given store. opts are applied to every
// session the registry creates.
func New(st *store.Store, opts session.Options, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Registry{
		store:    st,
		opts:     opts,
		log:      logger.WithName("registry"),
		sessions: make(map[string]*session.Session),
	}
}

// GetOrCreate returns the session for config id, creating it on first use.
// Two calls with the same id return the same instance.
func (r *Registry) GetOrCreate(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}

	cfg, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	s := session.New(cfg, r.opts)
	r.sessions[id] = s
	metrics.ActiveSessions.Inc()
	r.log.Info("session created", "connection", id, "name", cfg.Name)
	return s, nil
}

// Add validates and persists a new connection profile. No session is
// created until someone asks for it.
func (r *Registry) Add(cfg session.Config) (session.Config, error) {
	return r.store.Add(cfg)
}

// Delete closes any live session for id, waits for it to quiesce, then
// removes the persisted profile.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, live := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if live {
		s.Close()
		metrics.ActiveSessions.Dec()
		r.log.Info("session closed", "connection", id)
	}
	return r.store.RemoveByID(id)
}

// Configs returns every persisted profile, sorted for presentation.
func (r *Registry) Configs() ([]session.Config, error) {
	cfgs, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	store.SortByName(cfgs)
	return cfgs, nil
}

// State reports the connection state for id. Profiles with no live
// session are Disconnected.
func (r *Registry) State(id string) (session.State, error) {
	r.mu.Lock()
	s, live := r.sessions[id]
	r.mu.Unlock()
	if live {
		return s.State(), nil
	}
	if _, err := r.store.Get(id); err != nil {
		return "", err
	}
	return session.Disconnected, nil
}

// Close shuts down every live session and rejects further GetOrCreate
// calls. Persisted profiles are untouched.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metrics.ActiveSessions.Dec()
	}
	r.log.Info("all sessions closed", "count", len(sessions))
}
