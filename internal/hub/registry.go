// ABOUTME: Directory of live connections keyed by role and identity.
// ABOUTME: Last writer wins; a superseded connection stays open but unroutable.

package hub

import (
	"log/slog"
	"sort"
)

// Registry maps (role, identity) to the connection currently holding it.
// It is not safe for concurrent use; the hub serializes every call.
type Registry struct {
	partitions map[Role]map[string]*Conn
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		partitions: make(map[Role]map[string]*Conn),
		logger:     logger,
	}
}

// Register makes c the entry for (role, identity) and returns the connection
// it replaced, if any. The replaced connection is not closed.
//
// A connection holds at most one entry: registering it under a new identity
// drops its previous entry. Changing role also clears its subscription and
// state, which belonged to the old role.
func (r *Registry) Register(role Role, identity string, c *Conn) *Conn {
	if c.identity != "" && (c.role != role || c.identity != identity) {
		r.RemoveConn(c)
	}
	if c.role != role {
		c.target = ""
		c.state = nil
		c.profile = nil
	}

	part, ok := r.partitions[role]
	if !ok {
		part = make(map[string]*Conn)
		r.partitions[role] = part
	}

	prev := part[identity]
	part[identity] = c
	c.role = role
	c.identity = identity

	if prev != nil && prev != c {
		r.logger.Info("identity superseded",
			"role", role,
			"identity", identity,
			"previous_conn", prev.ID,
			"conn", c.ID,
		)
		return prev
	}
	return nil
}

// Lookup returns the connection registered under (role, identity).
func (r *Registry) Lookup(role Role, identity string) (*Conn, bool) {
	c, ok := r.partitions[role][identity]
	return c, ok
}

// Remove deletes the entry for (role, identity).
func (r *Registry) Remove(role Role, identity string) {
	part, ok := r.partitions[role]
	if !ok {
		return
	}
	delete(part, identity)
	if len(part) == 0 {
		delete(r.partitions, role)
	}
}

// RemoveConn deletes c's entry only if c still holds it, and reports whether
// it did. A superseded connection never removes its replacement.
func (r *Registry) RemoveConn(c *Conn) bool {
	if !r.Current(c) {
		return false
	}
	r.Remove(c.role, c.identity)
	return true
}

// Current reports whether c is the live entry for its identity.
func (r *Registry) Current(c *Conn) bool {
	if c == nil || c.identity == "" {
		return false
	}
	held, ok := r.partitions[c.role][c.identity]
	return ok && held == c
}

// AllOf returns every connection of a role, ordered by identity.
func (r *Registry) AllOf(role Role) []*Conn {
	part := r.partitions[role]
	conns := make([]*Conn, 0, len(part))
	for _, c := range part {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].identity < conns[j].identity })
	return conns
}

// Identities returns the sorted identities registered under a role.
func (r *Registry) Identities(role Role) []string {
	part := r.partitions[role]
	ids := make([]string, 0, len(part))
	for id := range part {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of entries for a role.
func (r *Registry) Count(role Role) int {
	return len(r.partitions[role])
}

// Roles returns the roles that currently have entries.
func (r *Registry) Roles() []Role {
	roles := make([]Role, 0, len(r.partitions))
	for role := range r.partitions {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
