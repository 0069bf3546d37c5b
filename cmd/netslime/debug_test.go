package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/slime"
)

func memoryPair(t *testing.T) (*slime.Host, *slime.Host) {
	t.Helper()

	n := slime.NewMemoryNetwork()
	server, err := slime.ListenMemory(n, slime.NewConfig(netslime.RoleServer, "server"))
	if err != nil {
		t.Fatal(err)
	}
	client, err := slime.ListenMemory(n, slime.NewConfig(netslime.RoleClient, "client"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Connect("server"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		server.Tick(20 * time.Millisecond)
		client.Tick(20 * time.Millisecond)
	}
	return server, client
}

// TestDebugRouter tests the metrics and connection endpoints
func TestDebugRouter(t *testing.T) {
	t.Parallel()

	server, _ := memoryPair(t)
	srv := httptest.NewServer(debugRouter(server))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{"metrics", "/metrics", http.StatusOK, "netslime_connections"},
		{"connections", "/debug/connections", http.StatusOK, `"state":"established"`},
		{"healthz", "/healthz", http.StatusNoContent, ""},
		{"unknown", "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.contains == "" {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body does not contain %q:\n%s", tt.contains, body)
			}
		})
	}
}

// TestConnectionsJSON tests the listing decodes into ConnectionInfo
func TestConnectionsJSON(t *testing.T) {
	t.Parallel()

	server, _ := memoryPair(t)
	rec := httptest.NewRecorder()
	debugRouter(server).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/connections", nil))

	var infos []netslime.ConnectionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Address != "client" || infos[0].Initiator {
		t.Errorf("connections = %+v", infos)
	}
}

// TestAnimateDemo tests the demo objects stay within their schema
func TestAnimateDemo(t *testing.T) {
	t.Parallel()

	server, _ := memoryPair(t)
	if err := registerDemo(server, 3); err != nil {
		t.Fatal(err)
	}
	for elapsed := time.Duration(0); elapsed < 30*time.Second; elapsed += 250 * time.Millisecond {
		if err := animateDemo(server, 3, elapsed); err != nil {
			t.Fatalf("animateDemo(%s) error = %v", elapsed, err)
		}
	}
}
