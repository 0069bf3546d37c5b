package host

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/transport"
)

// TestStressManyClientsUnderLoss tests that every client converges on the
// authoritative state while a tenth of all datagrams are lost.
func TestStressManyClientsUnderLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const (
		numClients = 200
		numObjects = 20
		rounds     = 25
	)

	n := transport.NewMemoryNetwork()
	rng := rand.New(rand.NewSource(1))
	dropped := 0
	n.SetFilter(func(from, to string, data []byte) [][]byte {
		if rng.Float64() < 0.1 {
			dropped++
			return nil
		}
		return [][]byte{data}
	})

	server := newNode(t, n, "server", netslime.RoleServer, netslime.ProtocolVersion)
	for id := netslime.ObjectID(1); id <= numObjects; id++ {
		if err := server.RegisterReplicatedObject(id, healthSchema); err != nil {
			t.Fatal(err)
		}
	}

	clients := make([]*node, numClients)
	handles := make([]netslime.ConnectionHandle, numClients)
	for i := range clients {
		c := newNode(t, n, fmt.Sprintf("client-%d", i), netslime.RoleClient, netslime.ProtocolVersion)
		for id := netslime.ObjectID(1); id <= numObjects; id++ {
			if err := c.RegisterReplicatedObject(id, healthSchema); err != nil {
				t.Fatal(err)
			}
		}
		h, err := c.Connect("server")
		if err != nil {
			t.Fatal(err)
		}
		clients[i], handles[i] = c, h
	}
	all := append([]*node{server}, clients...)

	start := time.Now()
	for r := 0; r < rounds; r++ {
		for id := netslime.ObjectID(1); id <= numObjects; id++ {
			if err := server.SetField(id, 0, (r*7+int(id))%256); err != nil {
				t.Fatal(err)
			}
			if err := server.SetField(id, 1, float64(r)-float64(id)); err != nil {
				t.Fatal(err)
			}
		}
		run(t, 100*time.Millisecond, all...)
	}
	run(t, 3*time.Second, all...)

	t.Logf("%d clients, %d objects, %d rounds in %v, %d datagrams dropped",
		numClients, numObjects, rounds, time.Since(start), dropped)

	for i, c := range clients {
		if _, ok := c.reached(netslime.StateEstablished); !ok {
			t.Errorf("client %d never established: %+v", i, c.changes)
			continue
		}
		for id := netslime.ObjectID(1); id <= numObjects; id++ {
			want, _ := server.Field("", id, 0)
			got, ok := c.Field(handles[i], id, 0)
			if !ok || got != want {
				t.Errorf("client %d object %d health = %v, want %v", i, id, got, want)
			}
		}
	}
	if got := len(server.Connections()); got != numClients {
		t.Errorf("server tracks %d connections, want %d", got, numClients)
	}
}

func BenchmarkTick(b *testing.B) {
	n := transport.NewMemoryNetwork()
	tr, _ := n.Listen("server")
	cfg := DefaultConfig(netslime.RoleServer)
	cfg.Start = time.Unix(0, 0)
	server := New(cfg, tr)

	ctr, _ := n.Listen("client")
	ccfg := DefaultConfig(netslime.RoleClient)
	ccfg.Start = time.Unix(0, 0)
	client := New(ccfg, ctr)

	for id := netslime.ObjectID(1); id <= 64; id++ {
		server.RegisterReplicatedObject(id, healthSchema)
		client.RegisterReplicatedObject(id, healthSchema)
	}
	client.Connect("server")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		server.SetField(netslime.ObjectID(i%64+1), 0, i%256)
		server.Tick(16 * time.Millisecond)
		client.Tick(16 * time.Millisecond)
	}
}
