package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
)

// FilterFn decides the fate of a datagram in flight on a MemoryNetwork.
// It returns the datagrams to deliver: nil drops it, several copies
// duplicate it. Filters run under the network lock and must not call back
// into it.
type FilterFn = func(from, to string, data []byte) [][]byte

// MemoryNetwork is an in-process datagram network. Endpoints are addressed
// by the names they listen on; delivery is immediate unless held back by
// Hold.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*Memory
	filter    FilterFn
	held      []heldDatagram
	holding   bool
}

type heldDatagram struct {
	to string
	d  Datagram
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*Memory)}
}

// Listen attaches an endpoint at addr.
func (n *MemoryNetwork) Listen(addr string) (*Memory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.Errorf("memory address %s already in use", addr)
	}
	m := &Memory{net: n, addr: addr}
	n.endpoints[addr] = m
	return m, nil
}

// SetFilter installs a filter applied to every datagram. Nil removes it.
func (n *MemoryNetwork) SetFilter(fn FilterFn) {
	n.mu.Lock()
	n.filter = fn
	n.mu.Unlock()
}

// Partition drops every datagram between a and b in both directions.
func (n *MemoryNetwork) Partition(a, b string) {
	n.SetFilter(func(from, to string, data []byte) [][]byte {
		if (from == a && to == b) || (from == b && to == a) {
			return nil
		}
		return [][]byte{data}
	})
}

// Hold queues datagrams instead of delivering them until Release.
func (n *MemoryNetwork) Hold() {
	n.mu.Lock()
	n.holding = true
	n.mu.Unlock()
}

// Release delivers held datagrams in the order given by perm, a
// permutation of indices into the held queue. A nil perm keeps send order.
// It returns how many datagrams were released.
func (n *MemoryNetwork) Release(perm []int) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	held := n.held
	n.held = nil
	n.holding = false
	if perm == nil {
		perm = make([]int, len(held))
		for i := range perm {
			perm[i] = i
		}
	}
	for _, i := range perm {
		if i < 0 || i >= len(held) {
			continue
		}
		if dst, ok := n.endpoints[held[i].to]; ok {
			dst.push(held[i].d)
		}
	}
	return len(held)
}

// Fail makes the endpoint at addr report ErrTransportFatal.
func (n *MemoryNetwork) Fail(addr string) {
	n.mu.Lock()
	m, ok := n.endpoints[addr]
	n.mu.Unlock()
	if ok {
		m.fatal.set(errors.Wrap(netslime.ErrTransportFatal, "memory endpoint failed"))
	}
}

func (n *MemoryNetwork) deliver(from, to string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dst, ok := n.endpoints[to]
	if !ok {
		return
	}
	out := [][]byte{data}
	if n.filter != nil {
		out = n.filter(from, to, data)
	}
	for _, b := range out {
		cp := append([]byte(nil), b...)
		d := Datagram{From: from, Data: cp}
		if n.holding {
			n.held = append(n.held, heldDatagram{to: to, d: d})
			continue
		}
		dst.push(d)
	}
}

func (n *MemoryNetwork) detach(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

// Memory is one endpoint of a MemoryNetwork.
type Memory struct {
	net  *MemoryNetwork
	addr string

	mu    sync.Mutex
	queue []Datagram
	fatal fatalState
}

// LocalAddr returns the address the endpoint listens on.
func (m *Memory) LocalAddr() string {
	return m.addr
}

// Send delivers data to the endpoint at to. Unknown destinations drop it.
func (m *Memory) Send(to string, data []byte) error {
	if err := m.fatal.get(); err != nil {
		return err
	}
	m.net.deliver(m.addr, to, data)
	return nil
}

// Poll drains the endpoint's queue.
func (m *Memory) Poll() ([]Datagram, error) {
	m.mu.Lock()
	out := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(out) == 0 {
		if err := m.fatal.get(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close detaches the endpoint from its network.
func (m *Memory) Close() error {
	m.fatal.set(errClosed)
	m.net.detach(m.addr)
	return nil
}

func (m *Memory) push(d Datagram) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()
}
