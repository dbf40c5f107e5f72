// Package sessions holds the in-process session registry: bootstrap records
// created over HTTP and the live handles attached once the WebSocket leg
// arrives. The store is injected wherever sessions are needed; nothing here
// is a package global and nothing survives a restart.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound means the session id was never created or already removed.
	ErrNotFound = errors.New("sessions: not found")
	// ErrAlreadyAttached means a live connection already claimed the session.
	ErrAlreadyAttached = errors.New("sessions: already attached")
)

// Record is the bootstrap state of one session, created before any
// WebSocket exists.
type Record struct {
	ID          string
	UserRef     string
	Credential  string
	CreatedAt   time.Time
	SeedContext string
}

// Handle is what a live session exposes to the store for shutdown.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type liveSession struct {
	handle Handle
	once   sync.Once
}

type entry struct {
	record Record
	live   *liveSession
}

// Store is the session registry. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create registers a bootstrap record. Duplicate ids are an error.
func (s *Store) Create(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("sessions: duplicate id %q", rec.ID)
	}
	s.entries[rec.ID] = &entry{record: rec}
	return nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Attach claims the session for a live connection. The returned detach
// releases the claim and removes the session; it is safe to call more than
// once.
func (s *Store) Attach(id string, h Handle) (detach func(), err error) {
	live := &liveSession{handle: h}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.live != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	e.live = live
	s.wg.Add(1)
	s.mu.Unlock()

	return func() { s.detach(id, live) }, nil
}

func (s *Store) detach(id string, live *liveSession) {
	live.once.Do(func() {
		s.mu.Lock()
		if e, ok := s.entries[id]; ok && e.live == live {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		s.wg.Done()
	})
}

// Remove drops the session. An attached live session is cancelled; its
// detach completes the removal.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	live := e.live
	if live == nil {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if live != nil && live.handle.Cancel != nil {
		live.handle.Cancel()
	}
	return true
}

// List returns the records sorted by creation time, oldest first.
func (s *Store) List() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.record)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count reports how many sessions exist, attached or not.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// WarnAll sends a warning to every attached session, used before shutdown.
func (s *Store) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	s.mu.Lock()
	for _, e := range s.entries {
		if e.live == nil || e.live.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.live.handle.Warn)
	}
	s.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll cancels every attached session.
func (s *Store) CancelAll() (cancelled int) {
	var cancels []func()
	s.mu.Lock()
	for _, e := range s.entries {
		if e.live == nil || e.live.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.live.handle.Cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		cancelled++
	}
	return cancelled
}

// Wait blocks until every attached session detaches or ctx expires. A nil
// ctx waits without a deadline. Returns false on timeout.
func (s *Store) Wait(ctx context.Context) bool {
	if ctx == nil {
		s.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
