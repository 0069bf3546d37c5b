package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/netslime"
)

const (
	wsPingPeriod   = 54 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPath         = "/ws"
)

// CheckOriginFn validates the origin of a WebSocket upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins returns a CheckOriginFn that accepts every origin
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// Addr is the listen address for servers.
	Addr string
	// RateLimit limits datagrams per peer. A peer over its limit is closed
	// with a policy violation.
	RateLimit   *RateLimitConfig
	CheckOrigin CheckOriginFn
	// QueueSize bounds the inbound queue and each peer's send queue.
	QueueSize int
}

// DefaultWebSocketConfig returns a configuration listening on addr.
func DefaultWebSocketConfig(addr string) *WebSocketConfig {
	return &WebSocketConfig{
		Addr:      addr,
		RateLimit: DefaultRateLimitConfig(),
		QueueSize: 256,
	}
}

// WebSocket carries datagrams as binary WebSocket messages. One peer per
// remote endpoint owns a write pump goroutine; a read goroutine per peer
// feeds the shared inbound queue.
type WebSocket struct {
	cfg      *WebSocketConfig
	local    string
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	inbound  chan Datagram
	peers    sync.Map // map[string]*wsPeer

	fatal  fatalState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dialed is set on client transports: losing the only peer is fatal.
	dialed bool
}

func newWebSocket(ctx context.Context, cfg *WebSocketConfig) *WebSocket {
	if cfg == nil {
		cfg = DefaultWebSocketConfig(":0")
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &WebSocket{
		cfg:     cfg,
		inbound: make(chan Datagram, cfg.QueueSize*4),
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		<-ctx.Done()
		w.fatal.set(errors.Wrapf(netslime.ErrTransportFatal, "websocket stopped: %v", context.Cause(ctx)))
	}()
	return w
}

// ListenWebSocket starts an HTTP server accepting WebSocket peers on /ws.
func ListenWebSocket(ctx context.Context, cfg *WebSocketConfig) (*WebSocket, error) {
	w := newWebSocket(ctx, cfg)

	ln, err := net.Listen("tcp", w.cfg.Addr)
	if err != nil {
		w.cancel()
		return nil, errors.Wrapf(err, "listen websocket %s", w.cfg.Addr)
	}
	w.listener = ln
	w.local = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, w.handleUpgrade)
	w.server = &http.Server{Handler: mux}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			glog.Errorf("websocket %s: serve failed: %v", w.local, err)
			w.fatal.set(errors.Wrapf(netslime.ErrTransportFatal, "serve websocket: %v", err))
		}
	}()

	glog.Infof("websocket transport listening on %s%s", w.local, wsPath)
	return w, nil
}

// DialWebSocket connects to a WebSocket server. addr is either a host:port,
// in which case ws://addr/ws is dialed, or a full ws:// or wss:// URL.
// Datagrams from the server carry addr as their source.
func DialWebSocket(ctx context.Context, addr string, cfg *WebSocketConfig) (*WebSocket, error) {
	w := newWebSocket(ctx, cfg)
	w.dialed = true

	target := addr
	if u, err := url.Parse(addr); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		target = (&url.URL{Scheme: "ws", Host: addr, Path: wsPath}).String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		w.cancel()
		return nil, errors.Wrapf(err, "dial websocket %s", target)
	}
	w.local = conn.LocalAddr().String()
	w.addPeer(conn, addr)

	glog.Infof("websocket transport connected to %s", target)
	return w, nil
}

// LocalAddr returns the listen address, or the local end of a dialed
// connection.
func (w *WebSocket) LocalAddr() string {
	return w.local
}

// Send queues data for the peer at to. Unknown peers and full queues drop
// the datagram.
func (w *WebSocket) Send(to string, data []byte) error {
	if err := w.fatal.get(); err != nil {
		return err
	}
	v, ok := w.peers.Load(to)
	if !ok {
		glog.V(2).Infof("websocket %s: no peer %s, dropping %d bytes", w.local, to, len(data))
		return nil
	}
	v.(*wsPeer).send(data)
	return nil
}

// Poll drains the inbound queue.
func (w *WebSocket) Poll() ([]Datagram, error) {
	out := drain(w.inbound)
	if len(out) == 0 {
		if err := w.fatal.get(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close closes every peer and stops the server.
func (w *WebSocket) Close() error {
	w.fatal.set(errClosed)
	w.cancel()

	w.peers.Range(func(key, value interface{}) bool {
		value.(*wsPeer).closeWithCode(websocket.CloseNormalClosure, "")
		return true
	})

	var err error
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.server.Shutdown(ctx)
	}
	w.wg.Wait()
	return err
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		http.Error(rw, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}
	w.addPeer(conn, r.RemoteAddr)
}

func (w *WebSocket) addPeer(conn *websocket.Conn, addr string) {
	var limiter *rate.Limiter
	if w.cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(w.cfg.RateLimit.MessagesPerSecond, w.cfg.RateLimit.Burst)
	}
	ctx, cancel := context.WithCancel(w.ctx)
	p := &wsPeer{
		id:      uuid.New().String(),
		addr:    addr,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan []byte, w.cfg.QueueSize),
		limiter: limiter,
	}
	w.peers.Store(addr, p)
	glog.V(1).Infof("websocket %s: peer %s connected from %s", w.local, p.id, addr)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		p.writePump()
	}()
	go func() {
		defer w.wg.Done()
		w.readLoop(p)
	}()
}

func (w *WebSocket) readLoop(p *wsPeer) {
	defer func() {
		w.peers.CompareAndDelete(p.addr, p)
		p.closeWithCode(websocket.CloseNormalClosure, "")
		if w.dialed && w.ctx.Err() == nil {
			glog.Errorf("websocket %s: connection to %s lost", w.local, p.addr)
			w.fatal.set(errors.Wrap(netslime.ErrTransportFatal, "websocket connection lost"))
		}
	}()

	p.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				glog.V(1).Infof("websocket %s: peer %s closed: %v", w.local, p.addr, err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if kind != websocket.BinaryMessage {
			continue
		}
		if p.limiter != nil && !p.limiter.Allow() {
			glog.Warningf("websocket %s: rate limit exceeded for peer %s remote_addr=%s", w.local, p.id, p.addr)
			p.closeWithCode(websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		select {
		case w.inbound <- Datagram{From: p.addr, Data: data}:
		default:
			glog.V(2).Infof("websocket %s: inbound queue full, dropping datagram from %s", w.local, p.addr)
		}
	}
}

// wsPeer is one WebSocket connection.
type wsPeer struct {
	id      string
	addr    string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan []byte
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
}

func (p *wsPeer) send(data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.sendCh <- data:
	default:
		glog.V(2).Infof("websocket peer %s: send queue full, dropping %d bytes", p.addr, len(data))
	}
}

func (p *wsPeer) closeWithCode(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	p.conn.Close()
}

// writePump pumps messages from the send channel to the websocket connection
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}
