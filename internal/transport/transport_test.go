package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/netslime"
)

// pollUntil polls tr until n datagrams arrived or the deadline passes
func pollUntil(t *testing.T, tr Transport, n int) []Datagram {
	t.Helper()

	var got []Datagram
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		ds, err := tr.Poll()
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		got = append(got, ds...)
		if len(got) < n {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) < n {
		t.Fatalf("received %d datagrams, want %d", len(got), n)
	}
	return got
}

// TestRateLimitConfigValues tests the rate limit constructors
func TestRateLimitConfigValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *RateLimitConfig
		wantMPS     rate.Limit
		wantBurst   int
		wantEnabled bool
	}{
		{
			name:        "default config",
			config:      DefaultRateLimitConfig(),
			wantMPS:     100,
			wantBurst:   200,
			wantEnabled: true,
		},
		{
			name:        "no rate limit",
			config:      NoRateLimit(),
			wantEnabled: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.config.MessagesPerSecond != tt.wantMPS {
				t.Errorf("MessagesPerSecond = %v, want %v", tt.config.MessagesPerSecond, tt.wantMPS)
			}
			if tt.config.Burst != tt.wantBurst {
				t.Errorf("Burst = %v, want %v", tt.config.Burst, tt.wantBurst)
			}
			if tt.config.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", tt.config.Enabled, tt.wantEnabled)
			}
		})
	}
}

// TestLimiterSetPerSource tests that each source has its own bucket
func TestLimiterSetPerSource(t *testing.T) {
	t.Parallel()

	s := newLimiterSet(&RateLimitConfig{MessagesPerSecond: 1, Burst: 2, Enabled: true})
	for i := 0; i < 2; i++ {
		if !s.allow("a") {
			t.Fatalf("allow(a) #%d = false within burst", i)
		}
	}
	if s.allow("a") {
		t.Error("allow(a) = true beyond burst")
	}
	if !s.allow("b") {
		t.Error("allow(b) = false, limited by another source")
	}

	s.forget("a")
	if !s.allow("a") {
		t.Error("allow(a) = false after forget")
	}

	off := newLimiterSet(NoRateLimit())
	for i := 0; i < 1000; i++ {
		if !off.allow("a") {
			t.Fatal("disabled limiter rejected a datagram")
		}
	}
}

// TestMemoryNetworkDelivery tests send, filter and fatal reporting
func TestMemoryNetworkDelivery(t *testing.T) {
	t.Parallel()

	n := NewMemoryNetwork()
	a, err := n.Listen("a")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := n.Listen("b")
	if _, err := n.Listen("a"); err == nil {
		t.Error("Listen() on a used address succeeded")
	}

	if err := a.Send("b", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Send("nowhere", []byte("x")); err != nil {
		t.Errorf("Send() to unknown address error = %v", err)
	}
	got, _ := b.Poll()
	if len(got) != 1 || got[0].From != "a" || string(got[0].Data) != "hello" {
		t.Fatalf("Poll() = %+v", got)
	}

	n.SetFilter(func(from, to string, data []byte) [][]byte {
		return [][]byte{data, data}
	})
	a.Send("b", []byte("dup"))
	if got, _ := b.Poll(); len(got) != 2 {
		t.Errorf("duplicating filter delivered %d", len(got))
	}

	n.Partition("a", "b")
	a.Send("b", []byte("lost"))
	b.Send("a", []byte("lost"))
	if got, _ := b.Poll(); len(got) != 0 {
		t.Errorf("partitioned delivery %d", len(got))
	}

	n.Fail("a")
	if err := a.Send("b", nil); !errors.Is(err, netslime.ErrTransportFatal) {
		t.Errorf("Send() after Fail error = %v", err)
	}
	if _, err := a.Poll(); !errors.Is(err, netslime.ErrTransportFatal) {
		t.Errorf("Poll() after Fail error = %v", err)
	}
}

// TestMemoryNetworkHoldRelease tests reordering held datagrams
func TestMemoryNetworkHoldRelease(t *testing.T) {
	t.Parallel()

	n := NewMemoryNetwork()
	a, _ := n.Listen("a")
	b, _ := n.Listen("b")

	n.Hold()
	for i := byte(0); i < 3; i++ {
		a.Send("b", []byte{i})
	}
	if got, _ := b.Poll(); len(got) != 0 {
		t.Fatalf("held datagrams delivered early: %d", len(got))
	}
	if released := n.Release([]int{2, 0, 1}); released != 3 {
		t.Errorf("Release() = %d, want 3", released)
	}
	got, _ := b.Poll()
	want := []byte{2, 0, 1}
	for i := range want {
		if got[i].Data[0] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Listen("b"); err != nil {
		t.Errorf("Listen() after Close error = %v", err)
	}
}

// TestUDPLoopback tests a round trip between two UDP transports
func TestUDPLoopback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := ListenUDP(ctx, DefaultUDPConfig("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer a.Close()

	cfg := DefaultUDPConfig("127.0.0.1:0")
	cfg.ReuseAddr = true
	cfg.TOS = 0xb8
	b, err := ListenUDP(ctx, cfg)
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer b.Close()

	payload := []byte("netslime")
	if err := a.Send(b.LocalAddr(), payload); err != nil {
		t.Fatal(err)
	}
	got := pollUntil(t, b, 1)
	if got[0].From != a.LocalAddr() || !bytes.Equal(got[0].Data, payload) {
		t.Errorf("got %+v from %s", got[0], a.LocalAddr())
	}

	if err := b.Send(got[0].From, []byte("back")); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, a, 1)
}

// TestUDPClose tests that a closed transport reports ErrTransportFatal
func TestUDPClose(t *testing.T) {
	t.Parallel()

	u, err := ListenUDP(context.Background(), DefaultUDPConfig("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := u.Send("127.0.0.1:1", []byte("x")); !errors.Is(err, netslime.ErrTransportFatal) {
		t.Errorf("Send() after Close error = %v", err)
	}
	if _, err := u.Poll(); !errors.Is(err, netslime.ErrTransportFatal) {
		t.Errorf("Poll() after Close error = %v", err)
	}
}

// TestContextCancelIsFatal tests that cancelling the listen context is
// reported through Poll and Send without calling Close
func TestContextCancelIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		listen func(ctx context.Context) (Transport, error)
	}{
		{"udp", func(ctx context.Context) (Transport, error) {
			return ListenUDP(ctx, DefaultUDPConfig("127.0.0.1:0"))
		}},
		{"websocket", func(ctx context.Context) (Transport, error) {
			return ListenWebSocket(ctx, DefaultWebSocketConfig("127.0.0.1:0"))
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			tr, err := tt.listen(ctx)
			if err != nil {
				cancel()
				t.Fatal(err)
			}
			defer tr.Close()
			cancel()

			deadline := time.Now().Add(2 * time.Second)
			for {
				_, err := tr.Poll()
				if errors.Is(err, netslime.ErrTransportFatal) {
					break
				}
				if err != nil {
					t.Fatalf("Poll() error = %v", err)
				}
				if time.Now().After(deadline) {
					t.Fatal("Poll() never reported the cancelled context")
				}
				time.Sleep(5 * time.Millisecond)
			}
			if err := tr.Send("127.0.0.1:1", []byte("x")); !errors.Is(err, netslime.ErrTransportFatal) {
				t.Errorf("Send() after cancel error = %v", err)
			}
		})
	}
}

// TestWebSocketRoundTrip tests datagrams between a listener and a dialer
func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := DefaultWebSocketConfig("127.0.0.1:0")
	cfg.CheckOrigin = AllOrigins()
	server, err := ListenWebSocket(ctx, cfg)
	if err != nil {
		t.Fatalf("ListenWebSocket() error = %v", err)
	}
	defer server.Close()

	client, err := DialWebSocket(ctx, server.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer client.Close()

	if err := client.Send(server.LocalAddr(), []byte("ping")); err != nil {
		t.Fatal(err)
	}
	got := pollUntil(t, server, 1)
	if string(got[0].Data) != "ping" {
		t.Fatalf("server got %q", got[0].Data)
	}

	if err := server.Send(got[0].From, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	back := pollUntil(t, client, 1)
	if back[0].From != server.LocalAddr() || string(back[0].Data) != "pong" {
		t.Errorf("client got %+v", back[0])
	}
}

// TestWebSocketRateLimitClosesPeer tests the policy violation close
func TestWebSocketRateLimitClosesPeer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := DefaultWebSocketConfig("127.0.0.1:0")
	cfg.RateLimit = &RateLimitConfig{MessagesPerSecond: 1, Burst: 1, Enabled: true}
	server, err := ListenWebSocket(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := DialWebSocket(ctx, server.LocalAddr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	for i := 0; i < 5; i++ {
		client.Send(server.LocalAddr(), []byte{byte(i)})
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Poll(); errors.Is(err, netslime.ErrTransportFatal) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("client was not disconnected after exceeding the rate limit")
}
