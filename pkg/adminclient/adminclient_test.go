package adminclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"dacollab.dev/pkg/collaberrors"
)

func TestParseActionSetReadOnly(t *testing.T) {
	set := ParseActionSet("read=allow,write=deny")
	if !set.ReadOnly() {
		t.Fatal("want read-only when write is denied")
	}
	set2 := ParseActionSet("read=allow,write=allow")
	if set2.ReadOnly() {
		t.Fatal("want writable when write is allowed")
	}
}

func TestGetHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token-1" {
			t.Errorf("want Authorization token-1, got %q", got)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("X-da-actions", "read=allow,write=allow")
		w.Write([]byte("<body><main><div><p>Hi</p></div></main></body>"))
	}))
	defer srv.Close()

	c := &Client{}
	res, err := c.Get(context.Background(), srv.URL, "token-1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.NotModified {
		t.Fatal("want not-modified=false")
	}
	if res.ETag != `"v1"` {
		t.Fatalf("want etag v1, got %q", res.ETag)
	}
	if res.Actions.ReadOnly() {
		t.Fatal("want writable action set")
	}
}

func TestGetNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("want If-None-Match v1, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := &Client{}
	res, err := c.Get(context.Background(), srv.URL, "", `"v1"`)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !res.NotModified {
		t.Fatal("want NotModified=true")
	}
}

func TestGet404IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Client{}
	_, err := c.Get(context.Background(), srv.URL, "", "")
	if !errors.Is(err, collaberrors.ErrAdminNotFound) {
		t.Fatalf("want ErrAdminNotFound, got %v", err)
	}
}

func TestPutHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != "*" {
			t.Errorf("want If-Match *, got %q", r.Header.Get("If-Match"))
		}
		if r.Header.Get("X-DA-Initiator") != "collab" {
			t.Errorf("want X-DA-Initiator collab, got %q", r.Header.Get("X-DA-Initiator"))
		}
		if got := r.Header.Get("Authorization"); got != "a, b" {
			t.Errorf("want deduplicated Authorization \"a, b\", got %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("data"); got != "<p>hi!</p>" {
			t.Errorf("want form field data, got %q", got)
		}
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{}
	res, err := c.Put(context.Background(), srv.URL, []byte("<p>hi!</p>"), []string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.ETag != `"v2"` {
		t.Fatalf("want etag v2, got %q", res.ETag)
	}
}

func TestPut412IsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := &Client{}
	_, err := c.Put(context.Background(), srv.URL, []byte("x"), nil)
	if !errors.Is(err, collaberrors.ErrAdminConflict) {
		t.Fatalf("want ErrAdminConflict, got %v", err)
	}
}

func TestPut401ClosesAsAuthRevoked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{}
	_, err := c.Put(context.Background(), srv.URL, []byte("x"), nil)
	if !errors.Is(err, collaberrors.ErrAdminAuthRevoked) {
		t.Fatalf("want ErrAdminAuthRevoked, got %v", err)
	}
}

func TestPutOmitsAuthorizationWhenNoCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("want no Authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{}
	if _, err := c.Put(context.Background(), srv.URL, []byte("x"), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
}
