package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/masshaul/masshaul/internal/auth"
	"github.com/masshaul/masshaul/internal/metrics"
	"github.com/masshaul/masshaul/internal/models"
)

// testClient registers an in-process client without a socket; hub
// routing only touches the send channel.
func testClient(hub *Hub, jobID string, buffer int) *Client {
	return &Client{hub: hub, send: make(chan []byte, buffer), jobID: jobID}
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case payload := <-c.send:
		return payload
	case <-time.After(time.Second):
		t.Fatal("no payload delivered")
		return nil
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected payload: %s", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.TotalClients() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", hub.TotalClients(), want)
}

func TestHubRoutesByJob(t *testing.T) {
	hub := NewHub(metrics.New())
	go hub.Run()

	watchA := testClient(hub, "job_a", 4)
	watchB := testClient(hub, "job_b", 4)
	watchAll := testClient(hub, "", 4)
	hub.register <- watchA
	hub.register <- watchB
	hub.register <- watchAll
	waitClients(t, hub, 3)

	hub.BroadcastJob("job_a", []byte(`{"job_id":"job_a"}`))

	if got := string(recv(t, watchA)); !strings.Contains(got, "job_a") {
		t.Errorf("job_a subscriber got %s", got)
	}
	if got := string(recv(t, watchAll)); !strings.Contains(got, "job_a") {
		t.Errorf("all-jobs subscriber got %s", got)
	}
	assertSilent(t, watchB)
}

func TestHubDropsSlowClient(t *testing.T) {
	met := metrics.New()
	hub := NewHub(met)
	go hub.Run()

	slow := testClient(hub, "job_a", 1)
	hub.register <- slow
	waitClients(t, hub, 1)

	// First payload fills the buffer; the second finds it full and the
	// hub drops the client.
	hub.BroadcastJob("job_a", []byte(`one`))
	hub.BroadcastJob("job_a", []byte(`two`))
	waitClients(t, hub, 0)

	if got := string(recv(t, slow)); got != "one" {
		t.Errorf("buffered payload = %q, want one", got)
	}
	if _, open := <-slow.send; open {
		t.Error("send channel should be closed after the drop")
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(metrics.New())
	go hub.Run()

	c := testClient(hub, "job_a", 1)
	hub.register <- c
	waitClients(t, hub, 1)
	hub.unregister <- c
	hub.unregister <- c
	waitClients(t, hub, 0)
}

func newAuthService(t *testing.T) (*auth.Service, string) {
	t.Helper()
	svc, err := auth.NewService(auth.Credentials{
		Operator:  "admin",
		Password:  "hunter22",
		JWTSecret: "ws-test-secret",
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resp, err := svc.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return svc, resp.AccessToken
}

func TestServeWSRejectsBadToken(t *testing.T) {
	hub := NewHub(metrics.New())
	go hub.Run()
	svc, _ := newAuthService(t)
	handler := NewHandler(hub, svc)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	tests := []struct {
		name  string
		query string
	}{
		{"missing token", ""},
		{"garbage token", "?token=garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
	if hub.TotalClients() != 0 {
		t.Error("rejected handshakes must not register clients")
	}
}

func TestServeWSStreamsProgress(t *testing.T) {
	hub := NewHub(metrics.New())
	go hub.Run()
	svc, token := newAuthService(t)
	handler := NewHandler(hub, svc)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token + "&job_id=job_x"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, 1)

	cb := ProgressCallback(hub)
	cb(models.Progress{JobID: "job_x", Status: models.JobStatusRunning, ItemsDone: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var p models.Progress
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.JobID != "job_x" || p.ItemsDone != 3 {
		t.Errorf("payload = %+v", p)
	}
}

func TestServeWSFiltersOtherJobs(t *testing.T) {
	hub := NewHub(metrics.New())
	go hub.Run()
	svc, token := newAuthService(t)
	handler := NewHandler(hub, svc)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token + "&job_id=job_mine"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, 1)

	hub.BroadcastJob("job_other", []byte(`{"job_id":"job_other"}`))
	hub.BroadcastJob("job_mine", []byte(`{"job_id":"job_mine"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), "job_mine") {
		t.Errorf("first payload = %s, want the subscribed job only", payload)
	}
}

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func TestBridgeRelaysRemoteSnapshots(t *testing.T) {
	opts, err := redis.ParseURL(getTestRedisURL())
	if err != nil {
		t.Fatalf("parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	hub := NewHub(metrics.New())
	go hub.Run()
	local := testClient(hub, "", 4)
	hub.register <- local
	waitClients(t, hub, 1)

	bridge := NewBridge(client, hub)
	bridge.Start()
	defer bridge.Stop()
	// PSubscribe needs a moment to take effect.
	time.Sleep(100 * time.Millisecond)

	remote := NewBridge(client, hub)
	remote.Publisher()(models.Progress{JobID: "job_remote", Status: models.JobStatusRunning})

	if got := string(recv(t, local)); !strings.Contains(got, "job_remote") {
		t.Errorf("relayed payload = %s", got)
	}

	// The bridge's own publishes must not come back around.
	drain := testClient(hub, "", 4)
	hub.register <- drain
	waitClients(t, hub, 2)
	bridge.Publisher()(models.Progress{JobID: "job_self", Status: models.JobStatusRunning})
	assertSilent(t, drain)
}
