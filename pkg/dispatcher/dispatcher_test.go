package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dacollab.dev/internal/config"
	"dacollab.dev/pkg/adminclient"
	"dacollab.dev/pkg/registry"
	"dacollab.dev/pkg/roomstorage"
)

type fakeAdmin struct{}

func (fakeAdmin) Get(ctx context.Context, docURL, credential, ifNoneMatch string) (*adminclient.GetResult, error) {
	return &adminclient.GetResult{Body: []byte("<body></body>"), ETag: "v1", Actions: adminclient.ActionSet{"write": "allow"}}, nil
}

func (fakeAdmin) Put(ctx context.Context, docURL string, html []byte, credentials []string) (*adminclient.PutResult, error) {
	return &adminclient.PutResult{ETag: "v2"}, nil
}

func newTestDispatcher(t *testing.T, cfg config.Config) (*Dispatcher, *registry.Registry) {
	t.Helper()
	backend, err := roomstorage.OpenBackend(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	reg := registry.New()
	return &Dispatcher{
		Registry: reg,
		Storage:  backend,
		Admin:    fakeAdmin{},
		Config:   cfg,
	}, reg
}

func TestPingReportsBindings(t *testing.T) {
	d, _ := newTestDispatcher(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status          string   `json:"status"`
		ServiceBindings []string `json:"service_bindings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
	want := map[string]bool{"daadmin": true, "rooms": true}
	if len(body.ServiceBindings) != len(want) {
		t.Fatalf("service_bindings = %v, want both daadmin and rooms", body.ServiceBindings)
	}
	for _, b := range body.ServiceBindings {
		if !want[b] {
			t.Fatalf("unexpected binding %q", b)
		}
	}
}

func TestSyncAdminRequiresDocParam(t *testing.T) {
	d, _ := newTestDispatcher(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSyncAdminReturns404ForUnknownRoom(t *testing.T) {
	d, _ := newTestDispatcher(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc=https://admin.da.live/source/missing.html", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSyncAdminAndDeleteAdminInvalidateExistingRoom(t *testing.T) {
	d, reg := newTestDispatcher(t, config.Config{})
	const name = "https://admin.da.live/source/a.html"

	reg.GetOrCreate(name, func(generation uint64) registry.Handle {
		return &recordingHandle{}
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc="+name, nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("syncadmin status = %d, want 200", rec.Code)
	}

	h, _ := reg.Get(name)
	rh := h.(*recordingHandle)
	if len(rh.apis) != 1 || rh.apis[0] != "syncAdmin" {
		t.Fatalf("room.apis = %v, want [syncAdmin]", rh.apis)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/deleteadmin?doc="+name, nil)
	rec2 := httptest.NewRecorder()
	d.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("deleteadmin status = %d, want 204", rec2.Code)
	}
}

type recordingHandle struct {
	apis []string
}

func (r *recordingHandle) CloseAll(err error) {}
func (r *recordingHandle) HandleAPICall(api string) error {
	r.apis = append(r.apis, api)
	return nil
}

func TestSharedSecretEnforcement(t *testing.T) {
	d, _ := newTestDispatcher(t, config.Config{SharedSecret: "s3cr3t"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc=x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc=x", nil)
	req2.Header.Set("Authorization", "token s3cr3t")
	rec2 := httptest.NewRecorder()
	d.ServeHTTP(rec2, req2)
	// Authorized but the room doesn't exist: 404, not 401.
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("status with correct token = %d, want 404", rec2.Code)
	}
}

func TestServeRoomRejectsNonUpgrade(t *testing.T) {
	d, _ := newTestDispatcher(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/source/a.html", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExtractDocNameFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/source%2Fa.html", nil)
	name, err := extractDocName(req)
	if err != nil {
		t.Fatalf("extractDocName: %v", err)
	}
	if name != "source/a.html" {
		t.Fatalf("name = %q, want source/a.html", name)
	}
}

func TestExtractDocNamePrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ignored?doc=also-ignored", nil)
	req.Header.Set("X-collab-room", "https://admin.da.live/source/a.html")
	name, err := extractDocName(req)
	if err != nil {
		t.Fatalf("extractDocName: %v", err)
	}
	if name != "https://admin.da.live/source/a.html" {
		t.Fatalf("name = %q, want the header value", name)
	}
}
