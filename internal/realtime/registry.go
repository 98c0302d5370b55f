// Package realtime tracks live client connections per user and pushes
// events to them.
package realtime

import (
	"errors"
	"hash/maphash"
	"sync"
	"time"
)

const registryShards = 32

var ErrRegistryClosed = errors.New("registry closed")

// Message is the envelope written to a connection.
type Message struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// Conn is one live channel to a client. Send must not block on the network.
type Conn interface {
	ID() string
	Send(msg Message) error
	Close() error
}

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
}

// Registry maps a user id to the set of that user's open connections.
// Users are spread over independently locked shards.
type Registry struct {
	seed   maphash.Seed
	shards [registryShards]*registryShard

	closeMu sync.RWMutex
	closed  bool
}

func NewRegistry() *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[string]Conn)}
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	return r.shards[maphash.String(r.seed, userID)%registryShards]
}

// Register adds conn to userID's set. Registering the same handle twice is a
// no-op.
func (r *Registry) Register(userID string, conn Conn) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return ErrRegistryClosed
	}
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]Conn)
		s.users[userID] = set
	}
	set[conn.ID()] = conn
	return nil
}

// Unregister removes conn and drops the user entry once it is empty.
func (r *Registry) Unregister(userID string, conn Conn) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		return
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(s.users, userID)
	}
}

// ConnectionsFor returns a snapshot of userID's connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.users[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

type Stats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, s := range r.shards {
		s.mu.RLock()
		st.Users += len(s.users)
		for _, set := range s.users {
			st.Connections += len(set)
		}
		s.mu.RUnlock()
	}
	return st
}

// Close empties the registry and closes every connection it held. Later
// Register calls fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	var conns []Conn
	for _, s := range r.shards {
		s.mu.Lock()
		for _, set := range s.users {
			for _, c := range set {
				conns = append(conns, c)
			}
		}
		s.users = make(map[string]map[string]Conn)
		s.mu.Unlock()
	}
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
