package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/provider"
)

func newTestService() (*Service, *provider.Registry) {
	reg := provider.NewRegistry()
	reg.Register(provider.KindMemory, provider.MemoryFactory())
	return NewService(NewMemoryRepo(), reg), reg
}

func sandbox(name string) *Connection {
	return &Connection{Name: name, Provider: "epic", Adapter: provider.KindMemory, BaseURL: "memory://" + name}
}

func TestService_CreateValidates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		conn *Connection
	}{
		{"missing name", &Connection{Provider: "epic", BaseURL: "http://x"}},
		{"missing provider", &Connection{Name: "a", BaseURL: "http://x"}},
		{"missing base url", &Connection{Name: "a", Provider: "epic"}},
		{"bad strategy", &Connection{Name: "a", Provider: "epic", BaseURL: "http://x", DefaultStrategy: "coin-flip"}},
		{"unknown adapter", &Connection{Name: "a", Provider: "epic", BaseURL: "http://x", Adapter: "soap"}},
		{"bad status", &Connection{Name: "a", Provider: "epic", BaseURL: "http://x", Status: "paused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Create(ctx, tt.conn); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	c := &Connection{Name: "main", Provider: "epic", BaseURL: "https://fhir.example/r4"}
	if err := svc.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Status != StatusActive || c.Adapter != provider.KindFHIR {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestService_Active(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Active(ctx, uuid.New()); !syncerr.Is(err, syncerr.ConnectionInactive) {
		t.Fatalf("missing connection: %v", err)
	}
	c := sandbox("a")
	c.Status = StatusInactive
	_ = svc.Create(ctx, c)
	if _, err := svc.Active(ctx, c.ID); !syncerr.Is(err, syncerr.ConnectionInactive) {
		t.Fatalf("inactive connection: %v", err)
	}
	c.Status = StatusActive
	_ = svc.Update(ctx, c)
	if _, err := svc.Active(ctx, c.ID); err != nil {
		t.Fatalf("active connection: %v", err)
	}
}

func TestService_UpdateKeepsSecret(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := sandbox("a")
	c.ClientSecret = "s3cret"
	_ = svc.Create(ctx, c)

	upd := c.Redacted()
	upd.Name = "renamed"
	if err := svc.Update(ctx, upd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := svc.Get(ctx, c.ID)
	if got.ClientSecret != "s3cret" || got.Name != "renamed" {
		t.Fatalf("got %+v", got)
	}
}

func TestService_TestMovesStatus(t *testing.T) {
	svc, reg := newTestService()
	ctx := context.Background()
	c := sandbox("flaky")
	_ = svc.Create(ctx, c)

	a, _ := reg.Open(provider.KindMemory, c.ProviderConfig())
	a.(*provider.MemoryAdapter).Healthy = false

	got, err := svc.Test(ctx, c.ID)
	if err == nil || got.Status != StatusError || got.LastError == nil || got.LastTestedAt == nil {
		t.Fatalf("failed test: %+v, %v", got, err)
	}

	a.(*provider.MemoryAdapter).Healthy = true
	got, err = svc.Test(ctx, c.ID)
	if err != nil || got.Status != StatusActive || got.LastError != nil {
		t.Fatalf("recovered test: %+v, %v", got, err)
	}
}

func TestHandler_CreateAndGetRedacts(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()

	body := `{"name":"east","provider":"epic","adapter":"memory","base_url":"memory://east","client_secret":"topsecret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateConnection(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "topsecret") {
		t.Fatal("secret leaked in response")
	}
	var created Connection
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.GetConnection(c); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if strings.Contains(rec.Body.String(), "topsecret") {
		t.Fatal("secret leaked on read")
	}
}

func TestHandler_GetConnection_BadID(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nope")
	err := h.GetConnection(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_TestConnection(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	conn := sandbox("west")
	_ = svc.Create(context.Background(), conn)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())
	if err := h.TestConnection(c); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	var resp testResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Healthy {
		t.Fatalf("expected healthy, got %+v", resp)
	}
}
