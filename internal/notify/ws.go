package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/pickup-matching/internal/events"
)

// WSSession is one connected subscriber socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(t events.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(t)
}

// WSRegistry holds subscriber sessions keyed by owner profile id. Each
// owner sees only the transitions whose OwnerIDs include them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string][]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(ownerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ownerID] = append(r.sessions[ownerID], &WSSession{conn: conn})
}

// Fanout pushes the transition snapshot to every session of every owner
// it touches. Dead sessions are pruned as they fail.
func (r *WSRegistry) Fanout(t events.Transition) {
	for _, owner := range t.OwnerIDs {
		r.mu.RLock()
		sessions := r.sessions[owner]
		r.mu.RUnlock()
		var dead []*WSSession
		for _, s := range sessions {
			if err := s.Send(t); err != nil {
				r.logger.Warn("ws send failed", "owner_id", owner, "error", err)
				dead = append(dead, s)
			}
		}
		if len(dead) > 0 {
			r.prune(owner, dead)
		}
	}
}

func (r *WSRegistry) prune(ownerID string, dead []*WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.sessions[ownerID][:0]
	for _, s := range r.sessions[ownerID] {
		drop := false
		for _, d := range dead {
			if s == d {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.sessions, ownerID)
		return
	}
	r.sessions[ownerID] = kept
}
