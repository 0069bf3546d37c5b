package connection

import (
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/metrics"
	"github.com/luciancaetano/netslime/internal/protocol"
	"github.com/luciancaetano/netslime/internal/transport"
)

// Handler receives what the Manager learns from the network. Every
// function is optional and runs synchronously on the goroutine calling the
// Manager.
type Handler struct {
	// StateChanged reports lifecycle transitions. A degraded channel that
	// does not close the connection is reported with From == To.
	StateChanged func(c *Connection, change netslime.StateChange)
	// Payload receives reassembled data payloads in channel order.
	Payload func(c *Connection, ch netslime.Channel, payload []byte)
	// Acked receives reliable sequences acknowledged for the first time.
	Acked func(c *Connection, seqs []uint16)
}

// Manager owns every connection of one transport, keyed by remote address.
// It is not safe for concurrent use.
type Manager struct {
	cfg     *Config
	tr      transport.Transport
	handler Handler
	metrics *metrics.Metrics

	byAddr   map[string]*Connection
	byHandle map[netslime.ConnectionHandle]*Connection
	order    []*Connection

	flood *rate.Limiter
	fatal error
}

// NewManager creates a Manager sending through tr. m may be nil.
func NewManager(cfg *Config, tr transport.Transport, handler Handler, m *metrics.Metrics) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.normalized()
	return &Manager{
		cfg:      cfg,
		tr:       tr,
		handler:  handler,
		metrics:  m,
		byAddr:   make(map[string]*Connection),
		byHandle: make(map[netslime.ConnectionHandle]*Connection),
		flood:    rate.NewLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() *Config { return m.cfg }

// Err returns the first fatal transport error seen while sending.
func (m *Manager) Err() error { return m.fatal }

// Get returns the live connection with the given handle.
func (m *Manager) Get(handle netslime.ConnectionHandle) (*Connection, bool) {
	c, ok := m.byHandle[handle]
	return c, ok
}

// Connections returns the live connections in creation order.
func (m *Manager) Connections() []*Connection {
	out := make([]*Connection, len(m.order))
	copy(out, m.order)
	return out
}

// Connect starts a handshake with addr. An existing connection to addr is
// returned as is.
func (m *Manager) Connect(addr string, now time.Time) (*Connection, error) {
	if c, ok := m.byAddr[addr]; ok {
		return c, nil
	}
	if len(m.order) >= m.cfg.MaxConnections {
		return nil, errors.Wrapf(netslime.ErrTooManyConnections, "connect %s", addr)
	}

	c := m.add(addr, true, newNonce(), now)
	m.sendHandshake(c, now)
	glog.Infof("connection %s: connecting to %s", c.handle, addr)
	return c, nil
}

// Disconnect begins a cooperative shutdown. Reliable data in flight drains
// until the window is empty or LingerTimeout passes.
func (m *Manager) Disconnect(handle netslime.ConnectionHandle, now time.Time) error {
	c, ok := m.byHandle[handle]
	if !ok {
		return errors.Wrapf(netslime.ErrConnectionNotFound, "%s", handle)
	}

	switch c.state {
	case netslime.StateHandshaking:
		m.sendControl(c, protocol.ControlDisconnect, protocol.RejectNone, now)
		m.terminate(c, netslime.StateClosed, netslime.ReasonLocalClose)
	case netslime.StateEstablished:
		c.closingSince = now
		m.setState(c, netslime.StateClosing, netslime.ReasonLocalClose)
	}
	return nil
}

// Send sends payload on ch and returns the sequence number it travels
// under. ErrWindowFull leaves nothing queued.
func (m *Manager) Send(c *Connection, ch netslime.Channel, payload []byte, now time.Time) (uint16, error) {
	if !c.Established() {
		return 0, errors.Wrapf(netslime.ErrNotEstablished, "%s is %s", c.handle, c.state)
	}
	if !ch.Valid() {
		return 0, errors.Wrapf(netslime.ErrInvalidChannel, "channel %d", ch)
	}
	if limit := 255 * protocol.FragmentPayloadSize(m.cfg.MTU); len(payload) > limit {
		return 0, errors.Wrapf(netslime.ErrPayloadTooLarge, "%d bytes, max %d", len(payload), limit)
	}

	out, err := c.endpoint.Send(ch, payload, now)
	if err != nil {
		return 0, err
	}
	m.transmit(c, out.Header, out.Payload, now)
	return out.Header.Sequence, nil
}

// Enqueue sends payload, keeping reliable messages that do not fit the
// window for a later Update.
func (m *Manager) Enqueue(c *Connection, ch netslime.Channel, payload []byte, now time.Time) error {
	if ch != netslime.ReliableOrdered || len(c.backlog) == 0 {
		_, err := m.Send(c, ch, payload, now)
		if !errors.Is(err, netslime.ErrWindowFull) {
			return err
		}
	}
	if !c.Established() {
		return errors.Wrapf(netslime.ErrNotEstablished, "%s is %s", c.handle, c.state)
	}
	if len(c.backlog) >= m.cfg.MaxBacklog {
		return errors.Wrapf(netslime.ErrWindowFull, "%s backlog of %d messages", c.handle, len(c.backlog))
	}
	c.backlog = append(c.backlog, payload)
	return nil
}

// Receive processes one datagram. Invalid input is dropped and counted.
func (m *Manager) Receive(d transport.Datagram, now time.Time) {
	pkt, err := protocol.Deframe(d.Data, m.cfg.Version)
	mismatch := protocol.IsVersionMismatch(err)
	if err != nil && !(mismatch && pkt.Flags&protocol.FlagControl != 0) {
		m.drop(d.From, err)
		return
	}

	c := m.byAddr[d.From]
	if pkt.Flags&protocol.FlagControl != 0 {
		m.handleControl(c, d.From, pkt, mismatch, now)
		return
	}
	if c == nil {
		glog.V(2).Infof("dropping packet from unknown peer %s", d.From)
		m.metrics.FrameDropped(metrics.DropUnknownPeer)
		return
	}

	c.lastReceived = now
	m.metrics.PacketReceived(pkt.Channel, len(d.Data))
	if c.state == netslime.StateHandshaking {
		// Data from the peer proves it finished its side of the handshake.
		m.setState(c, netslime.StateEstablished, "")
	}

	if acked := c.endpoint.ProcessAcks(pkt.Header); len(acked) > 0 && m.handler.Acked != nil {
		m.handler.Acked(c, acked)
	}
	if pkt.Flags&protocol.FlagAckOnly != 0 {
		return
	}

	payload, complete := c.reassembler.Add(pkt, now)
	if !complete {
		return
	}
	for _, p := range c.endpoint.Deliver(pkt.Header, payload) {
		if m.handler.Payload != nil {
			m.handler.Payload(c, pkt.Channel, p)
		}
		if c.state.Terminal() {
			return
		}
	}
}

// Update runs the timers of every connection: handshake resends,
// retransmissions, backlog flushing, keep-alive, timeouts and closing.
// Terminal connections are removed.
func (m *Manager) Update(now time.Time) {
	for _, c := range m.Connections() {
		switch c.state {
		case netslime.StateHandshaking:
			m.updateHandshake(c, now)
		case netslime.StateEstablished, netslime.StateClosing:
			m.updateActive(c, now)
		}
		if !c.state.Terminal() {
			m.metrics.FragmentsExpired(c.reassembler.Expire(now))
		}
	}
}

// FlushAcks sends an ack-only packet to every peer whose reliable data has
// not been acknowledged by an outgoing packet yet.
func (m *Manager) FlushAcks(now time.Time) {
	for _, c := range m.order {
		if c.state != netslime.StateEstablished && c.state != netslime.StateClosing {
			continue
		}
		if c.endpoint.NeedsAck() {
			m.transmit(c, c.endpoint.AckOnly(), nil, now)
		}
	}
}

// CloseAll terminates every connection. When notify is set, established
// peers are sent a Disconnect first.
func (m *Manager) CloseAll(reason string, notify bool, now time.Time) {
	for _, c := range m.Connections() {
		if notify && (c.state == netslime.StateEstablished || c.state == netslime.StateClosing) {
			m.sendControl(c, protocol.ControlDisconnect, protocol.RejectNone, now)
		}
		m.terminate(c, netslime.StateClosed, reason)
	}
}

func (m *Manager) updateHandshake(c *Connection, now time.Time) {
	if now.Sub(c.created) >= m.cfg.Timeout() {
		m.terminate(c, netslime.StateTimedOut, netslime.ReasonHandshake)
		return
	}
	if c.initiator && now.Sub(c.lastHandshake) >= m.cfg.HandshakeInterval {
		m.sendHandshake(c, now)
	}
}

func (m *Manager) updateActive(c *Connection, now time.Time) {
	if now.Sub(c.lastReceived) >= m.cfg.Timeout() {
		m.terminate(c, netslime.StateTimedOut, netslime.ReasonTimeout)
		return
	}

	resend, err := c.endpoint.Retransmits(now)
	for _, o := range resend {
		m.transmit(c, o.Header, o.Payload, now)
	}
	m.metrics.Retransmitted(len(resend))
	if errors.Is(err, netslime.ErrDegraded) {
		m.metrics.Degraded()
		glog.Warningf("connection %s: reliable channel to %s degraded", c.handle, c.addr)
		if m.cfg.DisconnectOnDegraded {
			m.sendControl(c, protocol.ControlDisconnect, protocol.RejectNone, now)
			m.terminate(c, netslime.StateClosed, netslime.ReasonDegraded)
			return
		}
		m.notify(c, c.state, c.state, netslime.ReasonDegraded)
	}

	m.flushBacklog(c, now)

	if c.state == netslime.StateClosing {
		drained := c.endpoint.InFlight() == 0 && len(c.backlog) == 0
		if drained || now.Sub(c.closingSince) >= m.cfg.LingerTimeout {
			m.sendControl(c, protocol.ControlDisconnect, protocol.RejectNone, now)
			m.terminate(c, netslime.StateClosed, netslime.ReasonLocalClose)
		}
		return
	}

	if now.Sub(c.lastSent) >= m.cfg.HeartbeatInterval {
		m.sendControl(c, protocol.ControlHeartbeat, protocol.RejectNone, now)
	}
}

func (m *Manager) flushBacklog(c *Connection, now time.Time) {
	for len(c.backlog) > 0 {
		out, err := c.endpoint.Send(netslime.ReliableOrdered, c.backlog[0], now)
		if err != nil {
			return
		}
		m.transmit(c, out.Header, out.Payload, now)
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
	}
}

func (m *Manager) handleControl(c *Connection, from string, pkt protocol.Packet, mismatch bool, now time.Time) {
	ctl, err := protocol.ParseControl(pkt.Payload)
	if err != nil {
		m.drop(from, err)
		return
	}
	if mismatch || ctl.Version != m.cfg.Version {
		mismatch = true
	}
	glog.V(3).Infof("control %s from %s (version %d)", ctl.Kind, from, ctl.Version)

	if ctl.Kind == protocol.ControlConnectRequest {
		m.handleConnectRequest(c, from, ctl, mismatch, now)
		return
	}
	if c == nil || ctl.Nonce != c.nonce {
		m.metrics.FrameDropped(metrics.DropUnknownPeer)
		return
	}
	if mismatch && ctl.Kind != protocol.ControlConnectReject {
		if c.initiator && c.state == netslime.StateHandshaking {
			m.sendControl(c, protocol.ControlConnectReject, protocol.RejectVersion, now)
			m.terminate(c, netslime.StateRejected, netslime.ReasonVersionMismatch)
			return
		}
		m.metrics.FrameDropped(metrics.DropVersionMismatch)
		return
	}
	c.lastReceived = now

	switch ctl.Kind {
	case protocol.ControlConnectAccept:
		if !c.initiator {
			return
		}
		// A repeated Accept means our Confirm was lost.
		m.sendControl(c, protocol.ControlConnectConfirm, protocol.RejectNone, now)
		if c.state == netslime.StateHandshaking {
			m.setState(c, netslime.StateEstablished, "")
		}

	case protocol.ControlConnectReject:
		if !c.initiator || c.state != netslime.StateHandshaking {
			return
		}
		reason := netslime.ReasonRejected
		switch {
		case ctl.Reason == protocol.RejectVersion || mismatch:
			reason = netslime.ReasonVersionMismatch
		case ctl.Reason == protocol.RejectFull:
			reason = netslime.ReasonFull
		}
		m.terminate(c, netslime.StateRejected, reason)

	case protocol.ControlConnectConfirm:
		if !c.initiator && c.state == netslime.StateHandshaking {
			m.setState(c, netslime.StateEstablished, "")
		}

	case protocol.ControlHeartbeat:
		if !c.initiator && c.state == netslime.StateHandshaking {
			m.setState(c, netslime.StateEstablished, "")
		}

	case protocol.ControlDisconnect:
		m.terminate(c, netslime.StateClosed, netslime.ReasonPeerClosed)
	}
}

func (m *Manager) handleConnectRequest(c *Connection, from string, ctl protocol.Control, mismatch bool, now time.Time) {
	if c != nil {
		if c.initiator || c.state.Terminal() {
			return
		}
		if ctl.Nonce == c.nonce {
			// The peer is still waiting, our Accept was lost.
			c.lastReceived = now
			m.sendControl(c, protocol.ControlConnectAccept, protocol.RejectNone, now)
			return
		}
		// A new nonce from a known address: the peer restarted.
		m.terminate(c, netslime.StateClosed, netslime.ReasonPeerClosed)
	}

	if !m.flood.AllowN(now, 1) {
		glog.V(2).Infof("handshake from %s dropped by flood guard", from)
		m.metrics.FrameDropped(metrics.DropHandshakeFlood)
		return
	}
	if len(m.order) >= m.cfg.MaxConnections {
		glog.Warningf("rejecting %s: %d connections", from, len(m.order))
		m.sendRaw(from, protocol.Control{
			Kind:    protocol.ControlConnectReject,
			Version: m.cfg.Version,
			Nonce:   ctl.Nonce,
			Reason:  protocol.RejectFull,
		}, now)
		return
	}

	c = m.add(from, false, ctl.Nonce, now)
	if mismatch {
		glog.Warningf("connection %s: %s speaks protocol %d, want %d", c.handle, from, ctl.Version, m.cfg.Version)
		m.sendControl(c, protocol.ControlConnectReject, protocol.RejectVersion, now)
		m.terminate(c, netslime.StateRejected, netslime.ReasonVersionMismatch)
		return
	}
	glog.Infof("connection %s: handshake from %s", c.handle, from)
	m.sendControl(c, protocol.ControlConnectAccept, protocol.RejectNone, now)
}

func (m *Manager) add(addr string, initiator bool, nonce uint64, now time.Time) *Connection {
	c := newConnection(m.cfg, addr, initiator, nonce, now)
	m.byAddr[addr] = c
	m.byHandle[c.handle] = c
	m.order = append(m.order, c)
	m.metrics.Transition(c.state, c.state, true)
	m.notify(c, c.state, c.state, "")
	return c
}

func (m *Manager) setState(c *Connection, to netslime.ConnectionState, reason string) {
	from := c.state
	if from == to || from.Terminal() {
		return
	}
	c.state = to
	m.metrics.Transition(from, to, false)
	glog.Infof("connection %s: %s -> %s %s", c.handle, from, to, reason)
	m.notify(c, from, to, reason)
}

func (m *Manager) terminate(c *Connection, to netslime.ConnectionState, reason string) {
	if c.state.Terminal() {
		return
	}
	m.setState(c, to, reason)
	c.release()

	delete(m.byAddr, c.addr)
	delete(m.byHandle, c.handle)
	for i, o := range m.order {
		if o == c {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) notify(c *Connection, from, to netslime.ConnectionState, reason string) {
	if m.handler.StateChanged == nil {
		return
	}
	m.handler.StateChanged(c, netslime.StateChange{
		Handle:  c.handle,
		Address: c.addr,
		From:    from,
		To:      to,
		Reason:  reason,
	})
}

func (m *Manager) sendHandshake(c *Connection, now time.Time) {
	c.lastHandshake = now
	m.sendControl(c, protocol.ControlConnectRequest, protocol.RejectNone, now)
}

func (m *Manager) sendControl(c *Connection, kind protocol.ControlKind, reason protocol.RejectReason, now time.Time) {
	c.lastSent = now
	m.sendRaw(c.addr, protocol.Control{Kind: kind, Version: m.cfg.Version, Nonce: c.nonce, Reason: reason}, now)
}

func (m *Manager) sendRaw(addr string, ctl protocol.Control, now time.Time) {
	body, err := ctl.Marshal()
	if err != nil {
		glog.Errorf("marshal %s: %v", ctl.Kind, err)
		return
	}
	h := protocol.Header{
		Version: m.cfg.Version,
		Channel: netslime.UnreliableUnordered,
		Flags:   protocol.FlagControl,
	}
	b, err := protocol.Frame(h, body, m.cfg.MTU)
	if err != nil {
		glog.Errorf("frame %s: %v", ctl.Kind, err)
		return
	}
	m.write(addr, h.Channel, b)
}

func (m *Manager) transmit(c *Connection, h protocol.Header, payload []byte, now time.Time) {
	h.Version = m.cfg.Version
	frames, err := protocol.Fragment(h, payload, m.cfg.MTU)
	if err != nil {
		glog.Errorf("connection %s: frame %d bytes: %v", c.handle, len(payload), err)
		return
	}
	c.lastSent = now
	for _, b := range frames {
		m.write(c.addr, h.Channel, b)
	}
}

func (m *Manager) write(addr string, ch netslime.Channel, b []byte) {
	if err := m.tr.Send(addr, b); err != nil {
		if m.fatal == nil && errors.Is(err, netslime.ErrTransportFatal) {
			m.fatal = err
		}
		return
	}
	m.metrics.PacketSent(ch, len(b))
}

func (m *Manager) drop(from string, err error) {
	var fe *protocol.FrameError
	reason := metrics.DropMalformed
	if errors.As(err, &fe) {
		switch fe.Kind {
		case protocol.Truncated:
			reason = metrics.DropTruncated
		case protocol.VersionMismatch:
			reason = metrics.DropVersionMismatch
		}
	}
	glog.V(2).Infof("dropping datagram from %s: %v", from, err)
	m.metrics.FrameDropped(reason)
}
