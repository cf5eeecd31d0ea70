package proxy

import (
	"net"
	"sort"
	"sync/atomic"
	"time"
)

// ConnID identifies a connection for its whole life. IDs are never reused.
type ConnID uint64

// Connection is the loop's record of one admitted client.
type Connection struct {
	id      ConnID
	conn    net.Conn
	remote  string
	session *Session
	created time.Time

	inbound  []byte
	outbound [][]byte
	offset   int // bytes of outbound[0] already written

	lastActivity time.Time

	// Readiness facets: readable while inbound holds undrained data,
	// writable while outbound is not empty.
	readable bool
	writable bool

	closed bool
	done   chan struct{} // closed at teardown; stops the reader
}

func (c *Connection) ID() ConnID {
	return c.id
}

func (c *Connection) enqueue(msg []byte) {
	c.outbound = append(c.outbound, msg)
	c.writable = true
}

// Registry holds every live connection keyed by ConnID. It is owned by the
// loop; only Len may be called from other goroutines.
type Registry struct {
	conns  map[ConnID]*Connection
	nextID ConnID
	live   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*Connection)}
}

func (r *Registry) add(conn net.Conn, session *Session, now time.Time) *Connection {
	r.nextID++
	c := &Connection{
		id:           r.nextID,
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		session:      session,
		created:      now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	r.conns[c.id] = c
	r.live.Add(1)
	return c
}

func (r *Registry) get(id ConnID) *Connection {
	return r.conns[id]
}

func (r *Registry) remove(id ConnID) {
	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		r.live.Add(-1)
	}
}

// Len is the number of live connections.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

// all returns the live connections ordered by ID, so callers may tear
// connections down while walking the result.
func (r *Registry) all() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

func (r *Registry) writable() []*Connection {
	var conns []*Connection
	for _, c := range r.all() {
		if c.writable {
			conns = append(conns, c)
		}
	}
	return conns
}

// idleSince returns the connections with no activity after cutoff.
func (r *Registry) idleSince(cutoff time.Time) []*Connection {
	var conns []*Connection
	for _, c := range r.all() {
		if c.lastActivity.Before(cutoff) {
			conns = append(conns, c)
		}
	}
	return conns
}
