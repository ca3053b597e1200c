// Package presence tracks which identities currently hold an open
// connection. The registry is the single owner of the identity→connection
// map; all access goes through its methods under one mutex, never through
// shared state.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Conn is the handle the registry holds for a live connection. Push
// delivers a named event; implementations serialize their own writes.
// A failed push is dropped, never retried.
type Conn interface {
	Push(op string, payload any) error
}

// userPayload is the body of user-online and user-offline events.
type userPayload struct {
	UserID string `json:"userId"`
}

// snapshotPayload is the body of the online-users event, sent once to
// each newly registered connection.
type snapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

// Registry maps identities to their single active connection. A new
// connection for an identity supplants any prior one (last-write-wins):
// the old handle stays physically open but is no longer routed to.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty presence registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger,
	}
}

// Register binds an identity to a connection, overwriting any existing
// entry. Broadcasts user-online to every registered connection and sends
// the full online snapshot to the new connection only.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	_, supplanted := r.conns[userID]
	r.conns[userID] = conn
	targets, ids := r.targetsLocked()
	r.mu.Unlock()

	r.logger.Info("user online",
		slog.String("user_id", userID),
		slog.Bool("supplanted", supplanted),
		slog.Int("online", len(ids)),
	)

	for _, t := range targets {
		// Push errors degrade silently; a dead connection will be
		// removed when its read loop exits.
		_ = t.Push("user-online", userPayload{UserID: userID})
	}

	_ = conn.Push("online-users", snapshotPayload{UserIDs: ids})
}

// Remove unbinds an identity, but only if the registered handle is still
// the given connection. A supplanted session's late disconnect therefore
// cannot knock the newer session offline. Broadcasts user-offline when an
// entry was actually removed.
func (r *Registry) Remove(userID string, conn Conn) {
	r.mu.Lock()

	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}

	delete(r.conns, userID)
	targets, _ := r.targetsLocked()
	r.mu.Unlock()

	r.logger.Info("user offline", slog.String("user_id", userID))

	for _, t := range targets {
		_ = t.Push("user-offline", userPayload{UserID: userID})
	}
}

// Lookup returns the active connection for an identity, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]

	return conn, ok
}

// Online returns the sorted ids of all currently registered identities.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ids := r.targetsLocked()

	return ids
}

// targetsLocked snapshots the current connections and sorted ids.
// Callers must hold the mutex; pushes happen after release so a slow
// connection cannot stall registry mutations.
func (r *Registry) targetsLocked() ([]Conn, []string) {
	targets := make([]Conn, 0, len(r.conns))
	ids := make([]string, 0, len(r.conns))

	for id, c := range r.conns {
		targets = append(targets, c)
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return targets, ids
}
