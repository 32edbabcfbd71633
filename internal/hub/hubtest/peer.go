// ABOUTME: In-memory Peer for tests: records frames, pings and termination.
// ABOUTME: Lets router and hub tests drive connections without a network.

package hubtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Send on a closed peer.
var ErrClosed = errors.New("peer closed")

// Peer implements hub.Peer in memory.
type Peer struct {
	mu         sync.Mutex
	addr       string
	frames     [][]byte
	pings      int
	closed     bool
	terminated bool
}

// NewPeer creates an open peer with the given remote address.
func NewPeer(addr string) *Peer {
	return &Peer{addr: addr}
}

// Send records a copy of data unless the peer is closed.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.frames = append(p.frames, append([]byte(nil), data...))
	return nil
}

// Open reports whether the peer was neither closed nor terminated.
func (p *Peer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Ping counts a liveness probe.
func (p *Peer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.pings++
	return nil
}

// Terminate closes the peer and marks it as terminated by the hub.
func (p *Peer) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.terminated = true
	return nil
}

// RemoteAddr returns the address given to NewPeer.
func (p *Peer) RemoteAddr() string { return p.addr }

// Close simulates the remote side going away without telling the hub.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Frames returns a copy of every frame sent so far.
func (p *Peer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

// Messages decodes every frame as a JSON object.
func (p *Peer) Messages() []map[string]any {
	frames := p.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			panic(fmt.Sprintf("hubtest: frame is not a JSON object: %s", f))
		}
		out = append(out, m)
	}
	return out
}

// Kinds returns the "type" field of every frame, in order.
func (p *Peer) Kinds() []string {
	msgs := p.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		kind, _ := m["type"].(string)
		out = append(out, kind)
	}
	return out
}

// Last returns the most recent frame of the given kind, or nil.
func (p *Peer) Last(kind string) map[string]any {
	msgs := p.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == kind {
			return msgs[i]
		}
	}
	return nil
}

// Reset forgets recorded frames.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

// Pings returns how many liveness probes were sent.
func (p *Peer) Pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

// Terminated reports whether the hub forcibly closed the peer.
func (p *Peer) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
