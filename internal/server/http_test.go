package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"finger/internal/config"
	"finger/internal/ids"
	"finger/internal/resource"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := New(Options{Config: config.Config{
		Home:         t.TempDir(),
		Host:         "127.0.0.1",
		KernelBinary: "finger-kernel",
		TestMode:     true,
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

type stubAgent struct {
	id string
	fn func(ctx context.Context, msg Inbound) (any, error)
}

func (s *stubAgent) ID() string { return s.id }
func (s *stubAgent) Handle(ctx context.Context, msg Inbound) (any, error) {
	return s.fn(ctx, msg)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPostMessageSyncCompletes(t *testing.T) {
	app := newTestApp(t)
	app.RegisterAgent(&stubAgent{id: "echo-agent", fn: func(_ context.Context, msg Inbound) (any, error) {
		return map[string]any{"echo": msg.Content}, nil
	}})
	router := app.router()

	rec := postJSON(t, router, "/api/v1/message", map[string]any{
		"target":  "echo-agent",
		"message": map[string]any{"type": "ECHO", "content": "hello"},
		"sender":  "test",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("expected completed, got %s (%s)", resp.Status, resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["echo"] != "hello" {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestPostMessageUnknownTargetFails(t *testing.T) {
	app := newTestApp(t)
	router := app.router()

	rec := postJSON(t, router, "/api/v1/message", map[string]any{
		"target":  "nobody",
		"message": "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "failed" || resp.Error == "" {
		t.Fatalf("expected failed with error, got %+v", resp)
	}
}

func TestPostMessageRejectsBadCallback(t *testing.T) {
	app := newTestApp(t)
	rec := postJSON(t, app.router(), "/api/v1/message", map[string]any{
		"target":     "echo-agent",
		"message":    "hi",
		"callbackId": "not-a-callback",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetMessageByCallback(t *testing.T) {
	app := newTestApp(t)
	app.RegisterAgent(&stubAgent{id: "echo-agent", fn: func(_ context.Context, msg Inbound) (any, error) {
		return msg.Content, nil
	}})
	router := app.router()
	cb := ids.NewCallbackID()

	rec := postJSON(t, router, "/api/v1/message", map[string]any{
		"target":     "echo-agent",
		"message":    "ping",
		"callbackId": cb,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got := getPath(t, router, "/api/v1/message/callback/"+cb)
	if got.Code != http.StatusOK {
		t.Fatalf("callback lookup: %d", got.Code)
	}
	var entry struct {
		CallbackID string `json:"callbackId"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(got.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.CallbackID != cb || entry.Status != "completed" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestPostMessageAsyncReturnsAccepted(t *testing.T) {
	app := newTestApp(t)
	release := make(chan struct{})
	app.RegisterAgent(&stubAgent{id: "slow-agent", fn: func(ctx context.Context, _ Inbound) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}})
	defer close(release)

	rec := postJSON(t, app.router(), "/api/v1/message?async=1", map[string]any{
		"target":  "slow-agent",
		"message": "work",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" || resp.MessageID == "" {
		t.Fatalf("unexpected async response: %+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	rec := getPath(t, app.router(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestResourceEndpoints(t *testing.T) {
	app := newTestApp(t)
	router := app.router()

	rec := postJSON(t, router, "/api/v1/resources", resource.Resource{
		Name: "worker-1",
		Type: resource.TypeExecutor,
		Capabilities: []resource.Capability{
			{Name: "file_ops", Level: 9},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add resource: %d %s", rec.Code, rec.Body.String())
	}

	got := getPath(t, router, "/api/v1/resources")
	if got.Code != http.StatusOK {
		t.Fatalf("get resources: %d", got.Code)
	}
	var body struct {
		Catalog map[string][]resource.CatalogEntry `json:"catalog"`
	}
	if err := json.Unmarshal(got.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode resources: %v", err)
	}
	if len(body.Catalog["file_ops"]) != 1 {
		t.Fatalf("expected file_ops in catalog, got %+v", body.Catalog)
	}
}

func TestRegisterModuleBindsAgents(t *testing.T) {
	app := newTestApp(t)
	rec := postJSON(t, app.router(), "/api/v1/modules/register", ModuleManifest{
		Name:    "search",
		Version: "1.0.0",
		Agents:  []AgentSpec{{ID: "search-agent", SystemPrompt: "Search the web."}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register module: %d %s", rec.Code, rec.Body.String())
	}
	if _, ok := app.agent("search-agent"); !ok {
		t.Fatalf("expected search-agent to be registered, have %v", app.AgentIDs())
	}

	list := getPath(t, app.router(), "/api/v1/modules")
	var modules []registeredModule
	if err := json.Unmarshal(list.Body.Bytes(), &modules); err != nil {
		t.Fatalf("decode modules: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "search" {
		t.Fatalf("unexpected module list: %+v", modules)
	}
}

func TestEventHistoryEndpoint(t *testing.T) {
	app := newTestApp(t)
	for i := 0; i < 3; i++ {
		app.bus.Emit(busEvent("task_started", fmt.Sprintf("s-%d", i)))
	}
	rec := getPath(t, app.router(), "/api/v1/events?type=task_started&limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	var events []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
