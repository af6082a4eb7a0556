// Package collaberrors defines the sentinel errors used to decide how the
// rest of the collaboration worker reacts to a given failure, grouped in one
// place the way camlistore groups its own decision errors.
package collaberrors

import "errors"

// Errors returned by the admin-service load path (§4.4.1). The binder tears
// the Room down on any of these.
var (
	// ErrAdminNotFound is returned when the admin service responds 404 to
	// the initial GET. Per spec.md's adopted semantics this is fatal: no
	// implicit empty-document creation.
	ErrAdminNotFound = errors.New("admin service: document not found")

	// ErrAdminLoadFailed wraps any other non-2xx, non-304 response to the
	// initial GET.
	ErrAdminLoadFailed = errors.New("admin service: load failed")
)

// Errors surfaced from the write-back path (§4.4.2, §7).
var (
	// ErrAdminAuthRevoked corresponds to a 401/403 on PUT: all connections
	// of the Room are closed, the Room is not removed from the registry
	// (a fresh connect may present a valid credential).
	ErrAdminAuthRevoked = errors.New("admin service: authorization revoked")

	// ErrAdminConflict corresponds to a 412 on PUT: the document was
	// deleted out from under us, or the ETag no longer matches. Durable
	// storage is wiped, all connections (including read-only) are closed,
	// and the Room is removed from the registry.
	ErrAdminConflict = errors.New("admin service: document missing or etag mismatch")

	// ErrAdminWriteFailed wraps any other non-2xx response to PUT. The
	// Room stays alive; the error is only surfaced via the CRDT error map.
	ErrAdminWriteFailed = errors.New("admin service: write failed")
)

// ErrDecode is returned by pkg/wire when a client frame cannot be parsed.
// The connection producing it is never closed (§4.3); the error is only
// ever surfaced through the document's error map.
var ErrDecode = errors.New("wire: malformed message")

// ErrStorageTooManyChunks is returned by pkg/roomstorage when a state would
// require 128 or more chunks (§3, §4.5); the caller must throw rather than
// silently truncate.
var ErrStorageTooManyChunks = errors.New("roomstorage: state requires too many chunks")

// ErrRoomNotFound names the case of a Room that does not currently exist.
// No function in this module returns it: the registry reports absence
// through a boolean result, and the dispatcher answers syncAdmin/deleteAdmin
// for an absent Room with its own not-found response.
var ErrRoomNotFound = errors.New("registry: room not found")

// ErrInvalidAPI is returned for an unrecognized Room API sub-call (§7).
var ErrInvalidAPI = errors.New("room: invalid api")
