package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/watch"
)

type fakeStatus struct{}

func (fakeStatus) Status() watch.Status {
	return watch.Status{State: watch.Running, Running: true, RegisteredHandlers: []string{"dashboard"}}
}

func (fakeStatus) PerformanceStats() watch.PerformanceStats {
	return watch.PerformanceStats{TotalEvents: 7, RawReceived: 9}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeWelcome {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeWelcome)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(Config{
		Addr:   "127.0.0.1:0",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "127.0.0.1:0" {
		t.Errorf("Addr() = %s, want the bound port", server.Addr())
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStartAddressInUse(t *testing.T) {
	first := startServer(t, Config{})
	second := NewServer(Config{Addr: first.Addr(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := second.Start(); err == nil {
		_ = second.Stop(context.Background())
		t.Fatal("Start() on a used address succeeded")
	}
}

func TestBroadcastToClients(t *testing.T) {
	server := startServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server), dial(t, ctx, server)}
	waitForClients(t, server, len(clients))

	if err := server.BroadcastData(MessageTypeFileEvent, FileEventData{Kind: "created", Path: "/v/a.md"}); err != nil {
		t.Fatalf("BroadcastData() failed: %v", err)
	}

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeFileEvent {
			t.Errorf("client %d: type = %s, want %s", i, msg.Type, MessageTypeFileEvent)
		}
		var data FileEventData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("client %d: bad payload: %v", i, err)
		}
		if data.Path != "/v/a.md" || data.Kind != "created" {
			t.Errorf("client %d: data = %+v", i, data)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, server, 0)
}

func TestHandlerBroadcastsEvents(t *testing.T) {
	server := startServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	h := NewHandler(server)
	raw := event.New(event.KindModified, "/v/a.md").WithMetadata(42, time.Unix(1700000000, 0))
	if !h.Handles(raw) {
		t.Fatal("Handles(raw) = false")
	}
	if err := h.Handle(ctx, raw); err != nil {
		t.Fatalf("Handle(raw) failed: %v", err)
	}

	msg := readMessage(t, ctx, conn)
	var fe FileEventData
	if err := json.Unmarshal(msg.Data, &fe); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeFileEvent || fe.Kind != "modified" || fe.Size != 42 {
		t.Errorf("got %s %+v", msg.Type, fe)
	}

	d := event.NewDerived(event.TypeNoteParsed, raw)
	d.Note = &event.NoteSummary{Title: "A", Wikilinks: []string{"B"}}
	if err := h.Handle(ctx, d.FileEvent()); err != nil {
		t.Fatalf("Handle(derived) failed: %v", err)
	}

	msg = readMessage(t, ctx, conn)
	var np NoteParsedData
	if err := json.Unmarshal(msg.Data, &np); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeNoteParsed || np.ID != d.ID || np.Note.Title != "A" {
		t.Errorf("got %s %+v", msg.Type, np)
	}

	if h.Handles(event.NewDerived("other", raw).FileEvent()) {
		t.Error("Handles() accepted an unknown derived type")
	}
}

func TestStatsPush(t *testing.T) {
	server := startServer(t, Config{Status: fakeStatus{}, StatsInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeStats)
	}
	var stats watch.PerformanceStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 7 {
		t.Errorf("TotalEvents = %d, want 7", stats.TotalEvents)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	server := startServer(t, Config{Status: fakeStatus{}})
	base := "http://" + server.Addr()

	get := func(path string, v any) int {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		if v != nil && resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				t.Fatalf("GET %s: bad JSON: %v", path, err)
			}
		}
		return resp.StatusCode
	}

	var health map[string]any
	if code := get("/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("/health = %d %v", code, health)
	}

	var status watch.Status
	if code := get("/status", &status); code != http.StatusOK || status.State != watch.Running {
		t.Errorf("/status = %d %+v", code, status)
	}

	var stats watch.PerformanceStats
	if code := get("/stats", &stats); code != http.StatusOK || stats.RawReceived != 9 {
		t.Errorf("/stats = %d %+v", code, stats)
	}

	if code := get("/", nil); code != http.StatusOK {
		t.Errorf("/ = %d", code)
	}
	if code := get("/missing", nil); code != http.StatusNotFound {
		t.Errorf("/missing = %d, want 404", code)
	}
}

func TestStatusWithoutProvider(t *testing.T) {
	server := startServer(t, Config{})
	resp, err := http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
