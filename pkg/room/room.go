// Package room implements the per-document coordinator (spec.md §4.6): it
// owns one crdt.SharedDoc, the set of live Connections, and the
// Persistence Binder that keeps both durable storage and the admin service
// in sync with the document.
//
// Concurrency model (spec.md §5): this package realizes the "one logical
// serialization domain per Room" requirement via the Document's own
// internal mutex rather than a Room-wide lock or dedicated goroutine+
// mailbox — every CRDT mutation already passes through crdt.SharedDoc,
// which serializes them regardless of which Connection's read loop
// produced them. Room.mu is a narrower, ordinary lock that only guards the
// connection set itself (membership, not CRDT state), so it is safe to
// hold briefly without risking the reentrant deadlock a single do-it-all
// Room lock would invite once CRDT mutation can itself trigger a broadcast
// that walks the same connection set.
package room

import (
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"dacollab.dev/pkg/adminclient"
	"dacollab.dev/pkg/binder"
	"dacollab.dev/pkg/collaberrors"
	"dacollab.dev/pkg/crdt"
	"dacollab.dev/pkg/httputil"
	"dacollab.dev/pkg/registry"
	"dacollab.dev/pkg/roomstorage"
	"dacollab.dev/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one live WebSocket bound to this Room's Document (spec.md
// §3). Its controlled awareness client-IDs are removed when it closes.
type Connection struct {
	id         string
	ws         *websocket.Conn
	send       chan []byte
	room       *Room
	credential string
	readOnly   bool

	mu           sync.Mutex
	awarenessIDs map[string]bool
}

// Room is exactly one Document plus its Connection set (spec.md §3).
type Room struct {
	Name       string
	generation uint64
	reg        *registry.Registry

	doc    *crdt.SharedDoc
	binder *binder.Binder

	returnStackTraces bool

	mu    sync.Mutex
	conns map[*Connection]bool
}

// Deps are the collaborators New needs to build one Room. Constructed by
// whatever calls registry.Registry.GetOrCreate for a given document name
// (normally pkg/dispatcher).
type Deps struct {
	Name              string
	Registry          *registry.Registry
	Generation        uint64
	Storage           roomstorage.KeyValue
	Admin             binder.AdminClient
	ReturnStackTraces bool
}

// New constructs a Room. It does not touch the network or durable storage
// itself; that happens lazily the first time a connection calls Serve and
// the Persistence Binder runs.
func New(deps Deps) *Room {
	doc := crdt.NewSharedDoc(crdt.NewActorID())
	r := &Room{
		Name:              deps.Name,
		generation:        deps.Generation,
		reg:               deps.Registry,
		doc:               doc,
		returnStackTraces: deps.ReturnStackTraces,
		conns:             make(map[*Connection]bool),
	}
	r.binder = binder.New(binder.Deps{
		DocName:           deps.Name,
		Document:          doc,
		Storage:           deps.Storage,
		Admin:             deps.Admin,
		StillRegistered:   func() bool { return deps.Registry.IsCurrent(deps.Name, deps.Generation) },
		Credentials:       r.credentials,
		CloseAll:          func(err error) { r.CloseAll(err) },
		RemoveFromRoom:    func() { deps.Registry.Remove(deps.Name, deps.Generation) },
		ReturnStackTraces: deps.ReturnStackTraces,
	})
	doc.OnUpdate(r.broadcastUpdate)
	return r
}

// credentials implements binder.Deps.Credentials: the de-duplicated set of
// credentials from every non-read-only connection, and whether every
// connection is currently read-only (spec.md §4.4.2 step c). The order of
// the returned credentials follows map iteration over the connection set
// and is not stable between calls.
func (r *Room) credentials() (creds []string, allReadOnly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	allReadOnly = true
	for c := range r.conns {
		if c.readOnly {
			continue
		}
		allReadOnly = false
		if c.credential == "" || seen[c.credential] {
			continue
		}
		seen[c.credential] = true
		creds = append(creds, c.credential)
	}
	return creds, allReadOnly
}

// Serve implements spec.md §4.6's serve(upgradeRequest): validates the
// request, runs the Persistence Binder, upgrades the connection, sends the
// initial sync frame (plus an awareness snapshot if populated), and runs
// the Connection's read/write pumps until it closes.
//
// Unlike the edge-worker model this was adapted from — which can hold a
// constructed WebSocket pair open while an async binding decision resolves
// and fall back to an ordinary Response on failure — net/http forbids
// writing response headers once Upgrade has hijacked the connection. The
// Persistence Binder therefore runs *before* the handshake, so a load
// failure still surfaces as a normal HTTP 500 (spec.md §4.6 step 5) and no
// Connection or Room state is ever created for a request that fails to
// bind.
func (r *Room) Serve(w http.ResponseWriter, req *http.Request) {
	if !httputil.IsWebsocketUpgrade(req) {
		httputil.BadRequestError(w, "expected a websocket upgrade request")
		return
	}
	if req.Header.Get("X-collab-room") == "" {
		httputil.BadRequestError(w, "missing X-collab-room header")
		return
	}

	credential := extractCredential(req)
	headerActions := adminclient.ParseActionSet(req.Header.Get("X-auth-actions"))

	readOnly, err := r.binder.Bind(req.Context(), credential)
	if err != nil {
		stack := ""
		if r.returnStackTraces {
			stack = string(debug.Stack())
		}
		log.Printf("room %s: bind failed: %v", r.Name, err)
		httputil.ServerError(w, err.Error(), stack)
		return
	}

	responseHeader := http.Header{}
	if subprotocol := r.SelectSubprotocol(req.Header.Get("Sec-WebSocket-Protocol")); subprotocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	ws, err := upgrader.Upgrade(w, req, responseHeader)
	if err != nil {
		// Upgrade already wrote its own error response.
		return
	}

	conn := &Connection{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		room:         r,
		credential:   credential,
		readOnly:     readOnly || (req.Header.Get("X-auth-actions") != "" && headerActions.ReadOnly()),
		awarenessIDs: make(map[string]bool),
	}
	r.addConn(conn)

	conn.enqueue(wire.EncodeSyncStep1(r.doc.EncodeStateVectorBytes()))
	if snap := r.doc.Awareness().Snapshot(); snap != nil {
		conn.enqueue(wire.EncodeAwareness(snap))
	}

	go conn.writePump()
	conn.readPump()
}

// SelectSubprotocol implements spec.md §4.6: echo "yjs" if the client
// offered it, otherwise select none.
func (r *Room) SelectSubprotocol(clientOffered string) string {
	for _, p := range strings.Split(clientOffered, ",") {
		if strings.TrimSpace(p) == "yjs" {
			return "yjs"
		}
	}
	return ""
}

// HandleAPICall implements spec.md §4.6's in-band admin actions. syncAdmin
// and deleteAdmin have an identical effect — force every connected client
// to reload by closing every connection and unregistering this Room — and
// differ only in the HTTP status the dispatcher returns to its caller.
func (r *Room) HandleAPICall(api string) error {
	switch api {
	case "syncAdmin", "deleteAdmin":
		r.CloseAll(nil)
		r.reg.Remove(r.Name, r.generation)
		return nil
	default:
		return collaberrors.ErrInvalidAPI
	}
}

// CloseAll closes every live connection, sending err's message (when err
// is non-nil) as the reason in each WebSocket close frame (spec.md §7: used
// for auth-revoked and conflict write-back failures, and for admin
// invalidation). Auth-revoked failures leave the Room registered; conflicts
// and admin invalidation also remove it, which is the caller's step, not
// CloseAll's. Closes fan out concurrently, bounded by an errgroup, so
// one slow client's TCP write doesn't delay every other client's close.
func (r *Room) CloseAll(err error) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(32)
	for _, c := range conns {
		g.Go(func() error {
			c.closeWithReason(err)
			return nil
		})
	}
	g.Wait()
}

func (r *Room) addConn(c *Connection) {
	r.mu.Lock()
	r.conns[c] = true
	r.mu.Unlock()
}

// removeConn drops c from the connection set, clears any awareness state
// it controlled, and — if it was the last connection — destroys the
// Document and unregisters the Room (spec.md §4.6 close handler).
func (r *Room) removeConn(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c)
	remaining := len(r.conns)
	r.mu.Unlock()

	c.mu.Lock()
	ids := make([]string, 0, len(c.awarenessIDs))
	for id := range c.awarenessIDs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		r.doc.Awareness().Remove(id)
	}

	if remaining == 0 {
		r.doc.Destroy()
		r.reg.Remove(r.Name, r.generation)
	}
}

// handleMessage decodes one client frame and dispatches it (spec.md §4.3).
// A decode error is surfaced via the document's error map and never closes
// the connection.
func (r *Room) handleMessage(c *Connection, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		r.recordError(err)
		return
	}
	switch msg.Kind {
	case wire.KindSync:
		r.handleSync(c, msg)
	case wire.KindAwareness:
		r.handleAwareness(c, msg)
	}
}

func (r *Room) handleSync(c *Connection, msg wire.Message) {
	switch msg.Step {
	case wire.SyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			r.recordError(err)
			return
		}
		c.enqueue(wire.EncodeSyncStep2(r.doc.DiffUpdate(sv)))

	case wire.SyncStep2, wire.SyncUpdate:
		// Read-only enforcement (spec.md §4.3): Step2/Update from a
		// read-only connection is silently dropped without applying.
		if c.readOnly {
			return
		}
		if err := r.doc.ApplyUpdate(msg.Payload, c.id); err != nil {
			r.recordError(err)
		}
		// Broadcasting happens via the doc.OnUpdate observer installed in
		// New, which fires for this update exactly as it would for any
		// other origin (binder rebuilds, storage replay); handling it here
		// too would double-broadcast.
	}
}

func (r *Room) handleAwareness(c *Connection, msg wire.Message) {
	if err := r.doc.Awareness().ApplyUpdate(msg.Awareness); err != nil {
		r.recordError(err)
		return
	}
	ids, err := crdt.AwarenessClientIDs(msg.Awareness)
	if err != nil {
		r.recordError(err)
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		c.awarenessIDs[id] = true
	}
	c.mu.Unlock()
	r.broadcastAwareness(c.id, msg.Awareness)
}

// broadcastUpdate is installed on the Document as the one observer
// responsible for fanning Sync Updates out to every connection except the
// one that produced them (origin equals a Connection's id for
// client-originated updates, and never matches any live connection's id
// for binder- or storage-originated ones, so those reach everyone).
func (r *Room) broadcastUpdate(update []byte, origin string) {
	frame := wire.EncodeSyncUpdate(update)
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c.id == origin {
			continue
		}
		c.enqueue(frame)
	}
}

func (r *Room) broadcastAwareness(originID string, payload []byte) {
	frame := wire.EncodeAwareness(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c.id == originID {
			continue
		}
		c.enqueue(frame)
	}
}

// recordError surfaces a wire decode error via the document's error map
// (spec.md §4.3, §7), including a stack only when configured to.
func (r *Room) recordError(err error) {
	r.doc.SetError("timestamp", time.Now().UTC().Format(time.RFC3339))
	r.doc.SetError("message", err.Error())
	if r.returnStackTraces {
		r.doc.SetError("stack", string(debug.Stack()))
	} else {
		r.doc.ClearError("stack")
	}
}

func extractCredential(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Credential-in-subprotocol form: "yjs,<credential>" (spec.md §6).
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.SplitN(proto, ",", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func (c *Connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("room: dropping frame for slow connection %s", c.id)
	}
}

func (c *Connection) closeWithReason(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	c.ws.Close()
}

// readPump pumps frames from the WebSocket to the Room (spec.md §4.6
// "message" handler), grounded on perkeep's wsConn.readPump.
func (c *Connection) readPump() {
	defer func() {
		c.room.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.room.handleMessage(c, data)
	}
}

// writePump pumps frames from the Room to the WebSocket, grounded on
// perkeep's wsConn.writePump.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
