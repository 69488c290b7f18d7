package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duskrelay/beaconsrv/config"
	"github.com/duskrelay/beaconsrv/handlers"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/registry"
	"github.com/duskrelay/beaconsrv/reqauth"
)

type noopSink struct{}

func (noopSink) Notify(notify.Event)                                              {}
func (noopSink) ReportBadRequest(context.Context, reqauth.Reason, string, string) {}
func (noopSink) Close() error                                                     { return nil }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Listener.Type = config.ListenerHTTP
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.Port = 0
	cfg.Paths.Register = "/register"
	cfg.Paths.Task = "/task"
	cfg.Paths.Result = "/result"
	cfg.Paths.Reconnect = "/reconnect"
	cfg.Auth.CorrelationKey = "k"
	cfg.Auth.UserAgent = "ua"
	return cfg
}

func TestNew_AliveEndpoint(t *testing.T) {
	deps := &handlers.Deps{
		Registry: registry.New(),
		Notifier: noopSink{},
		Shib:     reqauth.Shibboleths{AllowKey: "k", UserAgent: "ua"},
	}
	srv, err := New(testConfig(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/alive", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"alive":true}` {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header")
	}
	if w.Header().Get("Server") == "" {
		t.Fatal("expected a Server banner header")
	}
}

func TestNew_UnknownRouteOptionsIsNoContent(t *testing.T) {
	deps := &handlers.Deps{
		Registry: registry.New(),
		Notifier: noopSink{},
		Shib:     reqauth.Shibboleths{AllowKey: "k", UserAgent: "ua"},
	}
	srv, err := New(testConfig(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/whatever", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}
