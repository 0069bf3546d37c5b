// Package host implements netslime.Host on top of a transport, the
// connection manager and the replication manager.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/connection"
	"github.com/luciancaetano/netslime/internal/metrics"
	"github.com/luciancaetano/netslime/internal/protocol"
	"github.com/luciancaetano/netslime/internal/replication"
	"github.com/luciancaetano/netslime/internal/transport"
)

// Host owns one transport and every connection made over it.
type Host struct {
	mu sync.Mutex

	cfg     *Config
	tr      transport.Transport
	conns   *connection.Manager
	metrics *metrics.Metrics
	now     time.Time

	// Exactly one of authority and proxies is set, depending on the role.
	authority *replication.Authority
	proxies   *replication.Proxies

	onFieldUpdate netslime.FieldUpdateFn
	onState       netslime.StateChangeFn
	onMessage     netslime.MessageFn

	fatal  error
	closed bool
}

var _ netslime.Host = (*Host)(nil)

// New creates a host driving tr. The host takes ownership of tr and closes
// it on Close. A nil cfg means DefaultConfig(RoleServer).
func New(cfg *Config, tr transport.Transport) *Host {
	if cfg == nil {
		cfg = DefaultConfig(netslime.RoleServer)
	}
	cfg = cfg.normalized()
	h := &Host{
		cfg: cfg,
		tr:  tr,
		now: cfg.Start,
		metrics: metrics.New(metrics.Config{
			ConstLabels: prometheus.Labels{"role": cfg.Role.String()},
			Registry:    cfg.MetricsRegistry,
		}),
	}
	if cfg.Role == netslime.RoleServer {
		h.authority = replication.NewAuthority()
	} else {
		h.proxies = replication.NewProxies()
	}
	h.conns = connection.NewManager(cfg.Connection, tr, connection.Handler{
		StateChanged: h.stateChanged,
		Payload:      h.payload,
		Acked:        h.acked,
	}, h.metrics)

	glog.Infof("netslime: %s host on %s (protocol v%d)", cfg.Role, tr.LocalAddr(), cfg.Connection.Version)
	return h
}

// Role returns the role the host was created with.
func (h *Host) Role() netslime.Role { return h.cfg.Role }

// LocalAddr returns the transport address.
func (h *Host) LocalAddr() string { return h.tr.LocalAddr() }

// Gatherer exposes the host metrics for scraping.
func (h *Host) Gatherer() prometheus.Gatherer { return h.metrics.Gatherer() }

// Now returns the simulated host clock.
func (h *Host) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *Host) Connect(address string) (netslime.ConnectionHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.usable(); err != nil {
		return "", err
	}
	c, err := h.conns.Connect(address, h.now)
	if err != nil {
		return "", err
	}
	return c.Handle(), nil
}

func (h *Host) ConnectSession(ctx context.Context, resolver netslime.AddressResolver, session string) (netslime.ConnectionHandle, error) {
	if resolver == nil {
		return "", errors.Wrapf(netslime.ErrUnknownSession, "no resolver for session %q", session)
	}
	addr, err := resolver.Resolve(ctx, session)
	if err != nil {
		return "", errors.Wrapf(err, "resolve session %q", session)
	}
	glog.Infof("netslime: session %q resolved to %s", session, addr)
	return h.Connect(addr)
}

func (h *Host) Disconnect(handle netslime.ConnectionHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.usable(); err != nil {
		return err
	}
	return h.conns.Disconnect(handle, h.now)
}

func (h *Host) RegisterReplicatedObject(id netslime.ObjectID, schema netslime.Schema) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authority != nil {
		return h.authority.Register(id, schema)
	}
	return h.proxies.Declare(id, schema)
}

func (h *Host) UnregisterReplicatedObject(id netslime.ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authority != nil {
		return h.authority.Unregister(id)
	}
	return h.proxies.Undeclare(id)
}

func (h *Host) SetField(id netslime.ObjectID, field netslime.FieldID, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authority == nil {
		return errors.Wrapf(netslime.ErrNotAuthoritative, "set object %d field %d", id, field)
	}
	_, err := h.authority.Set(id, field, value)
	return err
}

// Field returns the current value of a field: the authoritative value on a
// server host, the proxy of the given connection on a client host.
func (h *Host) Field(handle netslime.ConnectionHandle, id netslime.ObjectID, field netslime.FieldID) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authority != nil {
		v, _, ok := h.authority.Get(id, field)
		return v, ok
	}
	v, _, ok := h.proxies.Value(handle, id, field)
	return v, ok
}

func (h *Host) Send(handle netslime.ConnectionHandle, ch netslime.Channel, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.usable(); err != nil {
		return err
	}
	c, ok := h.conns.Get(handle)
	if !ok {
		return errors.Wrapf(netslime.ErrConnectionNotFound, "%s", handle)
	}
	msg, err := protocol.EncodeMessage(protocol.KindUser, payload)
	if err != nil {
		return errors.Wrapf(err, "send to %s", handle)
	}
	return h.conns.Enqueue(c, ch, msg, h.now)
}

func (h *Host) OnFieldUpdate(fn netslime.FieldUpdateFn) {
	h.mu.Lock()
	h.onFieldUpdate = fn
	h.mu.Unlock()
}

func (h *Host) OnConnectionStateChanged(fn netslime.StateChangeFn) {
	h.mu.Lock()
	h.onState = fn
	h.mu.Unlock()
}

func (h *Host) OnMessage(fn netslime.MessageFn) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *Host) Tick(dt time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.usable(); err != nil {
		return err
	}
	if dt > 0 {
		h.now = h.now.Add(dt)
	}

	datagrams, err := h.tr.Poll()
	for _, d := range datagrams {
		h.conns.Receive(d, h.now)
	}
	if err != nil {
		return h.fail(err)
	}

	h.conns.Update(h.now)
	h.replicate()
	h.conns.FlushAcks(h.now)

	if err := h.conns.Err(); err != nil {
		return h.fail(err)
	}
	return nil
}

func (h *Host) Connections() []netslime.ConnectionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns.Connections()
	out := make([]netslime.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info(h.now))
	}
	return out
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if h.fatal == nil {
		h.conns.CloseAll(netslime.ReasonLocalClose, true, h.now)
	}
	glog.Infof("netslime: %s host on %s closed", h.cfg.Role, h.tr.LocalAddr())
	return h.tr.Close()
}

func (h *Host) usable() error {
	if h.closed {
		return netslime.ErrHostClosed
	}
	return h.fatal
}

// fail terminates every connection after an unrecoverable transport error.
func (h *Host) fail(err error) error {
	if !errors.Is(err, netslime.ErrTransportFatal) {
		err = errors.Wrap(netslime.ErrTransportFatal, err.Error())
	}
	glog.Errorf("netslime: %s host on %s: %v", h.cfg.Role, h.tr.LocalAddr(), err)
	h.fatal = err
	h.conns.CloseAll(netslime.ReasonTransportFatal, false, h.now)
	return err
}

// replicate sends each established peer the fields it has neither
// acknowledged nor in flight, within the room its reliable window has left.
func (h *Host) replicate() {
	if h.authority == nil {
		return
	}
	for _, c := range h.conns.Connections() {
		if !c.Established() {
			continue
		}
		budget := c.Budget() - 1
		if budget > h.cfg.ReplicationBudget {
			budget = h.cfg.ReplicationBudget
		}
		if budget <= 0 {
			continue
		}

		u := h.authority.BuildUpdate(c.Handle(), budget)
		if u.Empty() {
			continue
		}
		msg, err := protocol.EncodeMessage(protocol.KindReplication, u.Payload)
		if err != nil {
			glog.Errorf("netslime: replication to %s: %v", c.Handle(), err)
			continue
		}
		seq, err := h.conns.Send(c, netslime.ReliableOrdered, msg, h.now)
		if err != nil {
			glog.Warningf("netslime: replication to %s: %v", c.Handle(), err)
			continue
		}
		h.authority.Sent(c.Handle(), seq, u)
		h.metrics.ReplicationSent(len(msg), u.Deferred)
		glog.V(3).Infof("netslime: replicated %d entries to %s under seq %d, %d deferred", u.Entries, c.Handle(), seq, u.Deferred)
	}
}

func (h *Host) stateChanged(c *connection.Connection, change netslime.StateChange) {
	var removed []netslime.FieldUpdate
	switch {
	case change.To == netslime.StateEstablished && change.From != change.To:
		if h.authority != nil {
			h.authority.AddPeer(c.Handle())
		}
	case change.To.Terminal():
		if h.authority != nil {
			h.authority.DropPeer(c.Handle())
		} else {
			removed = h.proxies.DropPeer(c.Handle())
		}
	}

	if h.onState != nil {
		h.onState(change)
	}
	for _, up := range removed {
		h.fieldUpdated(up)
	}
}

func (h *Host) payload(c *connection.Connection, ch netslime.Channel, payload []byte) {
	kind, body, err := protocol.DecodeMessage(payload)
	if err != nil {
		h.metrics.FrameDropped(metrics.DropBadMessage)
		glog.V(2).Infof("netslime: drop message from %s: %v", c.Address(), err)
		return
	}

	switch kind {
	case protocol.KindUser:
		if h.onMessage != nil {
			h.onMessage(netslime.Message{
				Handle:  c.Handle(),
				Channel: ch,
				Payload: append([]byte(nil), body...),
			})
		}

	case protocol.KindReplication:
		if h.proxies == nil {
			h.metrics.FrameDropped(metrics.DropBadMessage)
			glog.V(2).Infof("netslime: drop replication from %s: host is authoritative", c.Address())
			return
		}
		updates, err := h.proxies.Apply(c.Handle(), body)
		h.metrics.FieldsApplied(len(updates))
		for _, up := range updates {
			h.fieldUpdated(up)
		}
		if err != nil {
			reason := metrics.DropUnknownObject
			if errors.Is(err, netslime.ErrBufferUnderrun) {
				reason = metrics.DropTruncated
			}
			h.metrics.FrameDropped(reason)
			glog.Warningf("netslime: replication from %s applied %d entries then stopped: %v", c.Address(), len(updates), err)
		}
	}
}

func (h *Host) acked(c *connection.Connection, seqs []uint16) {
	if h.authority == nil {
		return
	}
	for _, seq := range seqs {
		h.authority.Ack(c.Handle(), seq)
	}
}

func (h *Host) fieldUpdated(up netslime.FieldUpdate) {
	if h.onFieldUpdate != nil {
		h.onFieldUpdate(up)
	}
}
