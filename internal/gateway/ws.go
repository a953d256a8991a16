package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/session"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/event"
)

// handleWS upgrades GET /chat/ws and runs the session until the client
// leaves. Protocol:
//
//	token verified → websocket_ready{version} → initial payload →
//	session bind → websocket_ready{session_id} → session loop
//
// Auth failures and the connection cap send exactly one error event before
// closing; validation failures keep the connection open awaiting a corrected
// payload.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin allowlisting is handled by the fronting proxy
	})
	if err != nil {
		s.log.Debug("gateway: websocket accept failed", "err", err)
		return
	}

	ctx := c.Request.Context()
	t := &wsTransport{conn: conn}

	if max := int64(s.cfg.MaxConnections); max > 0 && s.conns.Add(1) > max {
		s.conns.Add(-1)
		_ = t.Send(ctx, event.Error("validation", "connection limit reached"))
		_ = conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}
	defer s.conns.Add(-1)
	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(ctx, -1)

	customerID, err := s.verifier.Verify(ctx, c.Query("token"))
	if err != nil {
		s.log.Info("gateway: websocket auth failed", "err", err)
		_ = t.Send(ctx, event.Error("authentication", "invalid or expired token"))
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if err := t.Send(ctx, event.WebsocketReady(protocolVersion)); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake write failed")
		return
	}

	req, ok := s.awaitInitial(ctx, t, customerID, requestMode(c))
	if !ok {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake aborted")
		return
	}
	if err := t.Send(ctx, event.WebsocketReady(protocolVersion).WithSession(req.SessionID)); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake write failed")
		return
	}
	s.log.Info("gateway: session open",
		"session_id", req.SessionID,
		"customer_id", customerID,
		"request_type", string(req.RequestType))

	rt := session.New(t, s.dispatcher, req.SessionID, customerID,
		session.WithQueueCapacity(s.queueCapacity()),
		session.WithLogger(s.log),
		session.WithMetrics(s.metrics),
	)
	if err := rt.Run(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("gateway: session ended with error", "session_id", req.SessionID, "err", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// awaitInitial reads frames until one decodes into a valid initial request
// bound to a session. Validation and ownership failures are reported on the
// socket and the wait continues; false means the socket died or the
// handshake timed out.
func (s *Server) awaitInitial(ctx context.Context, t *wsTransport, customerID, mode string) (*request.Request, bool) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		data, err := t.Receive(hctx)
		if err != nil {
			s.log.Debug("gateway: handshake read failed", "err", err)
			return nil, false
		}

		req, err := request.Decode(data)
		if err != nil {
			_ = t.Send(ctx, event.Error("validation", err.Error()))
			continue
		}
		if mode != "" {
			applyMode(req, mode)
			if err := req.Validate(); err != nil {
				_ = t.Send(ctx, event.Error("validation", err.Error()))
				continue
			}
		}
		req.CustomerID = customerID

		sessionID, err := s.bindSession(ctx, customerID, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionOwnership) {
				_ = t.Send(ctx, event.Error("validation", "session belongs to another customer"))
				continue
			}
			// History is best-effort: bind an unpersisted session and
			// keep streaming.
			s.log.Error("gateway: session bind failed", "customer_id", customerID, "err", err)
			_ = t.Send(ctx, event.Error("persistence", err.Error()))
			sessionID = req.SessionID
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
		}
		req.SessionID = sessionID
		return req, true
	}
}

// requestMode resolves the connection-level workflow override:
// query parameter, then header, then whatever the payload says.
func requestMode(c *gin.Context) string {
	if mode := c.Query("mode"); mode != "" {
		return mode
	}
	return c.GetHeader("X-Chat-Mode")
}

// applyMode applies the connection mode to the initial request. Modes naming
// a workflow pin the request type; anything else (proactive, deep-research
// style flows) tags the session and rides into message persistence as
// best-effort metadata.
func applyMode(req *request.Request, mode string) {
	switch t := request.Type(mode); t {
	case request.TypeText, request.TypeAudio, request.TypeAudioDirect,
		request.TypeTTS, request.TypeRealtime:
		req.RequestType = t
	default:
		if req.Settings.General.Tag == "" {
			req.Settings.General.Tag = mode
		}
	}
}

// wsTransport adapts a coder/websocket connection to session.Transport.
// Writes are serialized: the runtime sends from both its supervisor loop and
// its forward goroutine, and the connection allows one writer at a time.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ session.Transport = (*wsTransport)(nil)

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Send(ctx context.Context, ev event.Event) error {
	data, err := event.Serialize(ev)
	if err != nil {
		return fmt.Errorf("gateway: serialize %s: %w", ev.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(wctx, websocket.MessageText, data)
}
