package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/events"
)

func newClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 256), hub: hub}
}

func receive(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev events.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return events.Event{}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Send:
		t.Fatalf("client %s should not have received an event", c.ID)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "client-1", JobTopic("j1"))

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(JobTopic("j1")) != 1 {
		t.Fatalf("expected 1 client on jobs/j1, got clients=%d topic=%d", hub.ClientCount(), hub.TopicCount(JobTopic("j1")))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(JobTopic("j1")) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed after unregister")
	}
	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishRoutesByJobAndConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	jobWatcher := newClient(hub, "job", JobTopic("j1"))
	connWatcher := newClient(hub, "conn", ConnectionTopic("c1"))
	everything := newClient(hub, "all", TopicAllJobs)
	other := newClient(hub, "other", JobTopic("j2"))
	for _, c := range []*Client{jobWatcher, connWatcher, everything, other} {
		hub.Register(c)
	}

	ev := events.New(events.JobStatusChanged, "j1", "c1", "processing", nil)
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, c := range []*Client{jobWatcher, connWatcher, everything} {
		if got := receive(t, c); got.JobID != "j1" || got.Status != "processing" {
			t.Errorf("client %s got %+v", c.ID, got)
		}
	}
	assertNothing(t, other)
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(hub, "multi", TopicAllJobs, JobTopic("j1"), ConnectionTopic("c1"))
	hub.Register(c)

	_ = hub.Publish(context.Background(), events.New(events.JobCompleted, "j1", "c1", "completed", nil))

	receive(t, c)
	assertNothing(t, c)
}

func TestHub_ConflictEventsUseConflictTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	jobs := newClient(hub, "jobs", TopicAllJobs)
	conflicts := newClient(hub, "conflicts", TopicConflicts)
	hub.Register(jobs)
	hub.Register(conflicts)

	_ = hub.Publish(context.Background(), events.New(events.ConflictDetected, "", "", "", nil))

	receive(t, conflicts)
	assertNothing(t, jobs)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "dyn")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{JobTopic("a"), JobTopic("b"), JobTopic("a")}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount(JobTopic("a")) != 1 {
		t.Fatalf("expected 1 subscriber on jobs/a")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{JobTopic("a")}})
	if hub.TopicCount(JobTopic("a")) != 0 || hub.TopicCount(JobTopic("b")) != 1 {
		t.Fatalf("unexpected topic counts after unsubscribe")
	}
	if len(client.Topics) != 1 || client.Topics[0] != JobTopic("b") {
		t.Fatalf("remaining topics = %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Fatal("unknown action must be ignored")
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{TopicAllJobs}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(context.Background(), events.New(events.JobCreated, "j", "", "pending", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newClient(hub, "c", TopicAllJobs)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(c *Client) {
			defer wg.Done()
			hub.Register(c)
			_ = hub.Publish(context.Background(), events.New(events.JobCreated, "j", "", "", nil))
			hub.Unregister(c)
		}(clients[i])
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestInitialTopics(t *testing.T) {
	tests := []struct {
		job, conn string
		want      []string
	}{
		{"", "", []string{TopicAllJobs}},
		{"j1", "", []string{"jobs/j1"}},
		{"j1", "c1", []string{"jobs/j1", "connections/c1"}},
	}
	for _, tt := range tests {
		got := initialTopics(tt.job, tt.conn)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("initialTopics(%q, %q) = %v, want %v", tt.job, tt.conn, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil, zerolog.Nop()).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws/jobs" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws/jobs route to be registered")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil, zerolog.Nop())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws/jobs", nil), rec)

	err := h.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_StreamsJobEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"*"}, zerolog.Nop()).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/jobs?job_id=j-42"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(JobTopic("j-42")) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(JobTopic("j-42")) != 1 {
		t.Fatal("expected client pre-subscribed to jobs/j-42")
	}

	_ = hub.Publish(context.Background(), events.New(events.JobCompleted, "j-42", "c1", "completed", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != events.JobCompleted || received.JobID != "j-42" {
		t.Fatalf("unexpected event %+v", received)
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://dash.example"}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/ws/jobs", nil)

	req.Header.Set("Origin", "https://dash.example")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("listed origin should be allowed")
	}
	req.Header.Set("Origin", "https://evil.example")
	if h.upgrader.CheckOrigin(req) {
		t.Error("unlisted origin should be rejected")
	}
}
