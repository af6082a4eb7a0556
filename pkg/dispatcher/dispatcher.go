// Package dispatcher implements the Edge Dispatcher boundary (spec.md §2,
// §6): the HTTP entry point that extracts a request's document name,
// credential, and upgrade intent, routes it to the right Room (creating
// one via the Registry on first connect), and serves the small admin/ping
// surface spec.md lists as in-scope.
//
// Everything this package does is explicitly named in spec.md §1 as
// "external collaborators with named interfaces" to the core; it is
// included here because SPEC_FULL.md's module map names it as the glue
// that makes the core reachable over HTTP.
package dispatcher

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"dacollab.dev/internal/config"
	"dacollab.dev/pkg/binder"
	"dacollab.dev/pkg/httputil"
	"dacollab.dev/pkg/registry"
	"dacollab.dev/pkg/room"
	"dacollab.dev/pkg/roomstorage"
)

// Storage opens a per-document KeyValue view of durable storage (spec.md
// §4.5), the "rooms" namespace's storage side. *roomstorage.Backend
// implements this directly.
type Storage interface {
	ForRoom(name string) roomstorage.KeyValue
}

// Dispatcher is the injected "rooms" and "daadmin" service-binding
// consumer: given a Registry, a Storage backend, and an admin-service
// client, it is a ready-to-mount http.Handler.
type Dispatcher struct {
	Registry *registry.Registry
	Storage  Storage
	Admin    binder.AdminClient
	Config   config.Config
}

// ServeHTTP routes to the ping endpoint, the two admin invalidation
// endpoints, or the Room WebSocket endpoint (spec.md §6).
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/ping":
		d.servePing(w, r)
	case "/api/v1/syncadmin":
		d.serveAdminAPI(w, r, "syncAdmin", http.StatusOK)
	case "/api/v1/deleteadmin":
		d.serveAdminAPI(w, r, "deleteAdmin", http.StatusNoContent)
	default:
		d.serveRoom(w, r)
	}
}

// servePing answers spec.md §6's GET /api/v1/ping, reporting which
// injected bindings are present — a deploy-time smoke-test aid named in
// SPEC_FULL.md's supplemented features.
func (d *Dispatcher) servePing(w http.ResponseWriter, r *http.Request) {
	var bindings []string
	if d.Admin != nil {
		bindings = append(bindings, "daadmin")
	}
	if d.Registry != nil {
		bindings = append(bindings, "rooms")
	}
	httputil.ReturnJSON(w, struct {
		Status          string   `json:"status"`
		ServiceBindings []string `json:"service_bindings"`
	}{Status: "ok", ServiceBindings: bindings})
}

// serveAdminAPI implements the syncadmin/deleteadmin endpoints (spec.md
// §6): optional shared-secret enforcement, then the Room's handleApiCall.
func (d *Dispatcher) serveAdminAPI(w http.ResponseWriter, r *http.Request, api string, successCode int) {
	if !d.authorizeAdminCall(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	docName := r.URL.Query().Get("doc")
	if docName == "" {
		httputil.BadRequestError(w, "missing doc query parameter")
		return
	}

	h, ok := d.Registry.Get(docName)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.HandleAPICall(api); err != nil {
		httputil.BadRequestError(w, "%v", err)
		return
	}
	w.WriteHeader(successCode)
}

// authorizeAdminCall enforces config.Config.SharedSecret (spec.md §6) when
// configured; absent configuration means no enforcement.
func (d *Dispatcher) authorizeAdminCall(r *http.Request) bool {
	if d.Config.SharedSecret == "" {
		return true
	}
	return r.Header.Get("Authorization") == "token "+d.Config.SharedSecret
}

// serveRoom extracts the document name and forwards the upgrade request to
// its Room, creating one through the Registry on first connect (spec.md
// §2's control-flow: "Edge Dispatcher → Room Registry → Room.accept").
func (d *Dispatcher) serveRoom(w http.ResponseWriter, r *http.Request) {
	if !httputil.IsWebsocketUpgrade(r) {
		httputil.BadRequestError(w, "expected a websocket upgrade request")
		return
	}

	name, err := extractDocName(r)
	if err != nil {
		httputil.BadRequestError(w, "%v", err)
		return
	}
	if r.Header.Get("X-collab-room") == "" {
		// Room.Serve re-validates this header itself (spec.md §4.6 step
		// 2); requests that named the document via path or query still
		// need to satisfy that check.
		r.Header.Set("X-collab-room", name)
	}

	h, _, _ := d.Registry.GetOrCreate(name, func(generation uint64) registry.Handle {
		return room.New(room.Deps{
			Name:              name,
			Registry:          d.Registry,
			Generation:        generation,
			Storage:           d.Storage.ForRoom(name),
			Admin:             d.Admin,
			ReturnStackTraces: d.Config.ReturnStackTraces,
		})
	})

	rm, ok := h.(*room.Room)
	if !ok {
		httputil.ServerError(w, "internal: registry handle is not a Room", "")
		return
	}
	rm.Serve(w, r)
}

// extractDocName implements spec.md §6: the document URL lives in
// X-collab-room, in a "doc" query parameter, or in the path, checked in that
// priority order (header and query are explicit; the path is the fallback
// any reverse proxy forwards untouched).
func extractDocName(r *http.Request) (string, error) {
	if h := r.Header.Get("X-collab-room"); h != "" {
		return h, nil
	}
	if q := r.URL.Query().Get("doc"); q != "" {
		return q, nil
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		return "", fmt.Errorf("dispatcher: no document name in request")
	}
	if decoded, err := url.QueryUnescape(path); err == nil {
		return decoded, nil
	}
	return path, nil
}
