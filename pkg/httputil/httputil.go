// Package httputil contains the small HTTP helpers shared by the dispatcher
// and room packages: error responses, JSON replies, and the
// WebSocket-upgrade predicate the Room's serve() uses to reject non-upgrade
// requests (spec §4.6 step 1).
package httputil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
)

// IsGet reports whether r.Method is a GET or HEAD request.
func IsGet(r *http.Request) bool {
	return r.Method == "GET" || r.Method == "HEAD"
}

// IsWebsocketUpgrade reports whether req is an HTTP Upgrade request for the
// "websocket" protocol.
func IsWebsocketUpgrade(req *http.Request) bool {
	return req.Method == "GET" && req.Header.Get("Upgrade") == "websocket"
}

// BadRequestError writes a 400 response and logs the reason server-side.
func BadRequestError(w http.ResponseWriter, format string, args ...interface{}) {
	w.WriteHeader(http.StatusBadRequest)
	msg := fmt.Sprintf(format, args...)
	log.Printf("bad request: %s", msg)
	fmt.Fprintf(w, "Bad Request: %s", msg)
}

// ServerError writes a 500 response; stack is only written when non-empty,
// which the caller must gate on config.Config.ReturnStackTraces.
func ServerError(w http.ResponseWriter, msg, stack string) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "Internal Server Error: %s\n", msg)
	if stack != "" {
		fmt.Fprintf(w, "\n%s\n", stack)
	}
}

// ReturnJSON writes v as a 200 JSON response.
func ReturnJSON(w http.ResponseWriter, v interface{}) {
	ReturnJSONCode(w, http.StatusOK, v)
}

// ReturnJSONCode writes v as a JSON response with the given status code.
func ReturnJSONCode(w http.ResponseWriter, code int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		BadRequestError(w, "JSON serialization error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(js)))
	w.WriteHeader(code)
	w.Write(js)
}
