// Package bus exposes the adapter's event surface to the bot host: a
// WebSocket endpoint speaking the canonical verb vocabulary, backed by a FIFO
// queue of outgoing commands with best-effort cancellation.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/events"
)

// errorSleep paces the queue processor after an unexpected failure so a
// poisoned request can't spin it.
const errorSleep = 5 * time.Second

// frame is one JSON message on a client connection, either direction.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// session is one connected bot host client.
type session struct {
	sid  string
	send chan []byte
	conn *websocket.Conn
}

// pending is one queued outgoing command.
type pending struct {
	requestID string
	sid       string
	request   events.OutgoingRequest
}

// Processor executes outgoing commands; the events.OutgoingProcessor satisfies
// it, and tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, req events.OutgoingRequest) events.Result
}

// Server is the adapter's bus endpoint. It implements events.Emitter so
// incoming processors can broadcast bot_request events through it.
type Server struct {
	adapterType string
	processor   Processor
	builder     *events.Builder
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	requests map[string]*pending
	queue    []*pending
	notEmpty *sync.Cond
	closed   bool

	httpSrv *http.Server
	nextSID int
}

// Opts carries the server's dependencies.
type Opts struct {
	Config      config.SocketIOConfig
	AdapterType string
	Processor   Processor
	Builder     *events.Builder
}

// NewServer builds the server and its HTTP routes.
func NewServer(o Opts) *Server {
	s := &Server{
		adapterType: o.AdapterType,
		processor:   o.Processor,
		builder:     o.Builder,
		sessions:    make(map[string]*session),
		requests:    make(map[string]*pending),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(o.Config.CORSAllowedOrigins),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", o.Config.Host, o.Config.Port),
		Handler: router,
	}
	return s
}

func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "" {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{})
	for _, origin := range strings.Split(allowed, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// Start serves HTTP and runs the queue processor until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("bus: listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go s.runQueue(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.mu.Lock()
		s.closed = true
		s.notEmpty.Broadcast()
		s.mu.Unlock()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("bus: serve: %w", err)
	}
}

// handleHealth reports bus status for the CLI status verb.
func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"adapter_type": s.adapterType,
		"connections":  len(s.sessions),
		"queued":       len(s.queue),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("bus: upgrade: %v", err)
		return
	}
	sess := s.addSession(conn)
	go s.writePump(sess)
	go s.readPump(sess)
}

func (s *Server) addSession(conn *websocket.Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSID++
	sess := &session{
		sid:  fmt.Sprintf("sid%d", s.nextSID),
		send: make(chan []byte, 64),
		conn: conn,
	}
	s.sessions[sess.sid] = sess
	log.Printf("bus: client %s connected", sess.sid)
	return sess
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.sid]; !ok {
		return
	}
	delete(s.sessions, sess.sid)
	close(sess.send)
	log.Printf("bus: client %s disconnected", sess.sid)
}

func (s *Server) readPump(sess *session) {
	defer func() {
		s.removeSession(sess)
		sess.conn.Close()
	}()
	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			log.Printf("bus: malformed frame from %s: %v", sess.sid, err)
			continue
		}
		s.dispatch(sess.sid, f)
	}
}

func (s *Server) writePump(sess *session) {
	for payload := range sess.send {
		if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	sess.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// dispatch routes one client frame.
func (s *Server) dispatch(sid string, f frame) {
	switch f.Event {
	case "bot_response":
		var req events.OutgoingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			log.Printf("bus: malformed bot_response from %s: %v", sid, err)
			return
		}
		requestID := s.Enqueue(sid, req)
		s.sendTo(sid, "request_queued", map[string]any{"request_id": requestID})
	case "cancel_request":
		var data struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			log.Printf("bus: malformed cancel_request from %s: %v", sid, err)
			return
		}
		if s.Cancel(data.RequestID) {
			s.sendTo(sid, "request_success", map[string]any{"request_id": data.RequestID})
		} else {
			s.sendTo(sid, "request_failed", map[string]any{"request_id": data.RequestID})
		}
	default:
		log.Printf("bus: unknown verb %q from %s", f.Event, sid)
	}
}

// Enqueue appends an outgoing command to the FIFO queue under a freshly minted
// request ID and returns the ID.
func (s *Server) Enqueue(sid string, req events.OutgoingRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr := &pending{
		requestID: "req_" + uuid.NewString(),
		sid:       sid,
		request:   req,
	}
	s.requests[pr.requestID] = pr
	s.queue = append(s.queue, pr)
	s.notEmpty.Signal()
	return pr.requestID
}

// Cancel drops a request that is still queued. In-flight requests cannot be
// cancelled; the platform call keeps running.
func (s *Server) Cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return false
	}
	delete(s.requests, requestID)
	return true
}

// QueueLen returns the number of commands waiting.
func (s *Server) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// runQueue consumes the queue FIFO until ctx is cancelled.
func (s *Server) runQueue(ctx context.Context) {
	for {
		pr := s.dequeue(ctx)
		if pr == nil {
			return
		}
		s.ProcessOne(ctx, pr)
	}
}

func (s *Server) dequeue(ctx context.Context) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.closed || ctx.Err() != nil {
			return nil
		}
		s.notEmpty.Wait()
	}
	pr := s.queue[0]
	s.queue = s.queue[1:]
	return pr
}

// ProcessOne executes one queued command: skip if cancelled, run the
// processor, reply room-scoped to the originating session. Unexpected panics
// are contained with a pacing sleep.
func (s *Server) ProcessOne(ctx context.Context, pr *pending) {
	s.mu.Lock()
	if _, ok := s.requests[pr.requestID]; !ok {
		s.mu.Unlock()
		return // cancelled while queued
	}
	delete(s.requests, pr.requestID) // in flight, no longer cancellable
	s.mu.Unlock()

	res := s.safeProcess(ctx, pr)
	if !res.RequestCompleted {
		s.sendTo(pr.sid, "request_failed", map[string]any{"request_id": pr.requestID})
		return
	}

	reply := map[string]any{"request_id": pr.requestID}
	if len(res.MessageIDs) > 0 {
		reply["message_ids"] = res.MessageIDs
	}
	if res.History != nil {
		reply["history"] = res.History
	}
	if res.Attachment != nil {
		reply["attachment"] = res.Attachment
	}
	if res.Content != "" {
		reply["content"] = res.Content
	}
	if res.Files != nil || res.Directories != nil {
		reply["files"] = res.Files
		reply["directories"] = res.Directories
	}
	s.sendTo(pr.sid, "request_success", reply)

	if pr.request.EventType == events.FetchHistory && s.builder != nil {
		s.EmitEvent(s.builder.HistoryFetched(pr.request.Data.ConversationID, res.History))
	}
}

func (s *Server) safeProcess(ctx context.Context, pr *pending) (res events.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: processing %s panicked: %v", pr.requestID, r)
			res = events.Failed()
			select {
			case <-ctx.Done():
			case <-time.After(errorSleep):
			}
		}
	}()
	return s.processor.Process(ctx, pr.request)
}

// sendTo delivers a frame to one session. Unknown or gone sessions drop the
// frame; delivery is best-effort.
func (s *Server) sendTo(sid, event string, data any) {
	payload, err := marshalFrame(event, data)
	if err != nil {
		log.Printf("bus: marshal %s: %v", event, err)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.send <- payload:
	default:
		log.Printf("bus: dropping %s for slow client %s", event, sid)
	}
}

// EmitEvent broadcasts a bot_request to every connected client.
func (s *Server) EmitEvent(req events.BotRequest) {
	payload, err := marshalFrame("bot_request", req)
	if err != nil {
		log.Printf("bus: marshal bot_request: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sess := range s.sessions {
		select {
		case sess.send <- payload:
		default:
			log.Printf("bus: dropping bot_request for slow client %s", sid)
		}
	}
}

func marshalFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: raw})
}
