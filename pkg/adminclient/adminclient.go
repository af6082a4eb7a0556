// Package adminclient is the outbound HTTP client to the admin service
// (spec.md §4.4, §6): conditional GET to load a document's authoritative
// HTML, and multipart PUT to write it back.
package adminclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"dacollab.dev/pkg/collaberrors"
)

// ActionSet is the parsed form of the X-da-actions response header:
// action name ("read", "write", ...) to policy ("allow", "deny").
type ActionSet map[string]string

// ParseActionSet parses the header format "<action>=<policy>,…".
func ParseActionSet(header string) ActionSet {
	set := make(ActionSet)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		set[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return set
}

// Allows reports whether action's policy is "allow".
func (a ActionSet) Allows(action string) bool {
	return a[action] == "allow"
}

// ReadOnly reports whether a connection presenting this action set may
// write. A connection is read-only unless the "write" action is
// explicitly allowed.
func (a ActionSet) ReadOnly() bool {
	return !a.Allows("write")
}

// GetResult is the outcome of a successful conditional GET.
type GetResult struct {
	NotModified bool
	Body        []byte // empty when NotModified
	ETag        string
	Actions     ActionSet
}

// PutResult is the outcome of a successful PUT.
type PutResult struct {
	ETag string
}

// Client talks to the admin service. The zero value uses http.DefaultClient.
type Client struct {
	HTTPClient *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Get issues a conditional GET to docURL (spec.md §4.4.1 step 2, §6). When
// ifNoneMatch is non-empty it is sent as If-None-Match. A 404 maps to
// collaberrors.ErrAdminNotFound; any other non-2xx, non-304 response maps
// to collaberrors.ErrAdminLoadFailed.
func (c *Client) Get(ctx context.Context, docURL, credential, ifNoneMatch string) (*GetResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collaberrors.ErrAdminLoadFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &GetResult{NotModified: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", collaberrors.ErrAdminLoadFailed, err)
		}
		return &GetResult{
			Body:    body,
			ETag:    resp.Header.Get("ETag"),
			Actions: ParseActionSet(resp.Header.Get("X-da-actions")),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, collaberrors.ErrAdminNotFound

	default:
		return nil, fmt.Errorf("%w: status %d", collaberrors.ErrAdminLoadFailed, resp.StatusCode)
	}
}

// Put writes html back to the admin service (spec.md §4.4.2 step 2c, §6).
// credentials is the de-duplicated set of credentials from every
// non-read-only connection, joined with ", "; an empty slice omits the
// Authorization header entirely.
func (c *Client) Put(ctx context.Context, docURL string, html []byte, credentials []string) (*PutResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="data"`},
		"Content-Type":        {"text/html"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(html); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, docURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("If-Match", "*")
	req.Header.Set("X-DA-Initiator", "collab")
	if auth := dedupeCredentials(credentials); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collaberrors.ErrAdminWriteFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &PutResult{ETag: resp.Header.Get("ETag")}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, collaberrors.ErrAdminAuthRevoked
	case resp.StatusCode == http.StatusPreconditionFailed:
		return nil, collaberrors.ErrAdminConflict
	default:
		return nil, fmt.Errorf("%w: status %d", collaberrors.ErrAdminWriteFailed, resp.StatusCode)
	}
}

func dedupeCredentials(credentials []string) string {
	seen := make(map[string]bool, len(credentials))
	var out []string
	for _, c := range credentials {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return strings.Join(out, ", ")
}
