package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/netslime"
)

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Addr is the local address to bind, e.g. ":7777" or "127.0.0.1:0".
	Addr string
	// ReadBufferSize and WriteBufferSize set SO_RCVBUF and SO_SNDBUF when
	// positive.
	ReadBufferSize  int
	WriteBufferSize int
	// ReuseAddr sets SO_REUSEADDR before binding.
	ReuseAddr bool
	// TOS marks outgoing IPv4 packets (DSCP << 2) when positive.
	TOS int
	// QueueSize bounds the inbound and outbound queues between the I/O
	// goroutines and the tick. Datagrams beyond it are dropped.
	QueueSize int
	// MaxDatagramSize is the receive buffer per read.
	MaxDatagramSize int
	// RateLimit limits datagrams per source address. Nil uses the default.
	RateLimit *RateLimitConfig
}

// DefaultUDPConfig returns a configuration bound to addr.
func DefaultUDPConfig(addr string) *UDPConfig {
	return &UDPConfig{
		Addr:            addr,
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
		QueueSize:       1024,
		MaxDatagramSize: 2048,
		RateLimit:       DefaultRateLimitConfig(),
	}
}

type outbound struct {
	addr *net.UDPAddr
	data []byte
}

// UDP is a Transport over one UDP socket. A reader and a writer goroutine
// move bytes between the socket and bounded queues consumed by the tick.
type UDP struct {
	conn     *net.UDPConn
	inbound  chan Datagram
	outbound chan outbound
	limits   *limiterSet
	maxSize  int

	addrMu sync.Mutex
	addrs  map[string]*net.UDPAddr

	fatal   fatalState
	closing atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// ListenUDP binds a UDP socket and starts its I/O goroutines. They stop
// when ctx is cancelled or Close is called.
func ListenUDP(ctx context.Context, cfg *UDPConfig) (*UDP, error) {
	if cfg == nil {
		cfg = DefaultUDPConfig(":0")
	}
	d := DefaultUDPConfig(cfg.Addr)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = d.MaxDatagramSize
	}

	lc := net.ListenConfig{Control: socketControl(cfg)}
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", cfg.Addr)
	}
	conn := pc.(*net.UDPConn)

	if cfg.TOS > 0 {
		if err := ipv4.NewConn(conn).SetTOS(cfg.TOS); err != nil {
			glog.Warningf("udp %s: set tos %d: %v", conn.LocalAddr(), cfg.TOS, err)
		}
	}

	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	u := &UDP{
		conn:     conn,
		inbound:  make(chan Datagram, cfg.QueueSize),
		outbound: make(chan outbound, cfg.QueueSize),
		limits:   newLimiterSet(cfg.RateLimit),
		maxSize:  cfg.MaxDatagramSize,
		addrs:    make(map[string]*net.UDPAddr),
		cancel:   cancel,
		group:    group,
	}

	group.Go(func() error { return u.readLoop() })
	group.Go(func() error { return u.writeLoop(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		u.closing.Store(true)
		u.fatal.set(errors.Wrapf(netslime.ErrTransportFatal, "udp %s stopped: %v", u.LocalAddr(), context.Cause(gctx)))
		return u.conn.Close()
	})

	glog.Infof("udp transport listening on %s", conn.LocalAddr())
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// Send queues data for the endpoint addressed by to.
func (u *UDP) Send(to string, data []byte) error {
	if err := u.fatal.get(); err != nil {
		return err
	}
	addr, err := u.resolve(to)
	if err != nil {
		return err
	}

	select {
	case u.outbound <- outbound{addr: addr, data: data}:
	default:
		glog.V(2).Infof("udp %s: outbound queue full, dropping %d bytes to %s", u.LocalAddr(), len(data), to)
	}
	return nil
}

// Poll drains the inbound queue.
func (u *UDP) Poll() ([]Datagram, error) {
	out := drain(u.inbound)
	if len(out) == 0 {
		if err := u.fatal.get(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close stops the I/O goroutines and releases the socket.
func (u *UDP) Close() error {
	u.closing.Store(true)
	u.fatal.set(errClosed)
	u.cancel()
	if err := u.group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (u *UDP) resolve(to string) (*net.UDPAddr, error) {
	u.addrMu.Lock()
	defer u.addrMu.Unlock()

	if addr, ok := u.addrs[to]; ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", to)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", to)
	}
	u.addrs[to] = addr
	return addr, nil
}

func (u *UDP) readLoop() error {
	buf := make([]byte, u.maxSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closing.Load() {
				return nil
			}
			if isTransient(err) {
				glog.V(2).Infof("udp %s: transient read error: %v", u.LocalAddr(), err)
				continue
			}
			glog.Errorf("udp %s: read failed: %v", u.LocalAddr(), err)
			u.fatal.set(errors.Wrap(netslime.ErrTransportFatal, err.Error()))
			u.cancel()
			return err
		}

		from := addr.String()
		if !u.limits.allow(from) {
			glog.V(2).Infof("udp %s: rate limit exceeded for %s", u.LocalAddr(), from)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case u.inbound <- Datagram{From: from, Data: data}:
		default:
			glog.V(2).Infof("udp %s: inbound queue full, dropping datagram from %s", u.LocalAddr(), from)
		}
	}
}

func (u *UDP) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-u.outbound:
			if _, err := u.conn.WriteToUDP(d.data, d.addr); err != nil {
				if u.closing.Load() {
					return nil
				}
				if isTransient(err) {
					glog.V(2).Infof("udp %s: transient write error to %s: %v", u.LocalAddr(), d.addr, err)
					continue
				}
				glog.Errorf("udp %s: write failed: %v", u.LocalAddr(), err)
				u.fatal.set(errors.Wrap(netslime.ErrTransportFatal, err.Error()))
				u.cancel()
				return err
			}
		}
	}
}
