package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/blob"
	"github.com/parlance-ai/parlance/pkg/event"
)

// ctxCustomerID is the gin context key requireAuth stores the identity under.
const ctxCustomerID = "customer_id"

// requireAuth verifies the bearer token (header, or ?token for clients that
// cannot set headers) and stores the customer identity on the context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		customerID, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ctxCustomerID, customerID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// decodeHTTPRequest parses and binds one chat request from an HTTP body.
// Audio and realtime workflows need a live inbound channel, so only text and
// tts requests are accepted here.
func (s *Server) decodeHTTPRequest(c *gin.Context) (*request.Request, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return nil, false
	}
	req, err := request.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	switch req.RequestType {
	case request.TypeText, request.TypeTTS:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request_type " + string(req.RequestType) + " requires a websocket connection",
		})
		return nil, false
	}

	customerID := c.GetString(ctxCustomerID)
	req.CustomerID = customerID

	sessionID, err := s.bindSession(c.Request.Context(), customerID, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionOwnership) {
			c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another customer"})
			return nil, false
		}
		s.log.Error("gateway: session bind failed", "customer_id", customerID, "err", err)
		sessionID = req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
	}
	req.SessionID = sessionID
	return req, true
}

// runRequest dispatches req on a fresh bus and returns the consumer channel.
// The channel closes once both completion flags are delivered.
func (s *Server) runRequest(ctx context.Context, req *request.Request) <-chan event.Event {
	b, tok := bus.New(s.queueCapacity(), s.log)
	_, ch := b.RegisterConsumer()
	go s.dispatcher.Dispatch(ctx, b, tok, httpClient{ctx: ctx}, req)
	return ch
}

// handleChatStream serves POST /chat/stream: one workflow streamed as
// server-sent events, one `data:` line per event, ending at stream close.
func (s *Server) handleChatStream(c *gin.Context) {
	req, ok := s.decodeHTTPRequest(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	ch := s.runRequest(ctx, req)
	for ev := range ch {
		data, err := event.Serialize(ev)
		if err != nil {
			s.log.Warn("gateway: drop unserializable event", "type", string(ev.Type), "err", err)
			continue
		}
		if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
			// Client went away; let the workflow finish against the ctx.
			go drain(ch)
			return
		}
		flusher.Flush()
	}
}

func drain(ch <-chan event.Event) {
	for range ch {
	}
}

// chatData is the data envelope of the buffered POST /chat response.
type chatData struct {
	Text               string           `json:"text"`
	Model              string           `json:"model,omitempty"`
	Provider           string           `json:"provider,omitempty"`
	SessionID          string           `json:"session_id"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	ToolCalls          []map[string]any `json:"tool_calls,omitempty"`
	RequiresToolAction bool             `json:"requires_tool_action"`
}

// handleChat serves POST /chat: the workflow runs to completion and the
// collected stream is folded into one JSON response.
func (s *Server) handleChat(c *gin.Context) {
	req, ok := s.decodeHTTPRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var evs []event.Event
	for ev := range s.runRequest(ctx, req) {
		evs = append(evs, ev)
	}

	data := chatData{SessionID: req.SessionID}
	if s.models != nil {
		if entry, err := s.models.ResolveOrDefault(config.KindText, req.Settings.Text.Model); err == nil {
			data.Model, data.Provider = entry.Model, entry.Provider
		}
	}

	pending := map[string]bool{}
	var failures []map[string]any
	for _, ev := range evs {
		switch ev.Type {
		case event.TypeTextCompleted:
			data.Text, _ = ev.Payload["content"].(string)
		case event.TypeToolStart:
			id, _ := ev.Payload["tool_call_id"].(string)
			pending[id] = true
			data.ToolCalls = append(data.ToolCalls, map[string]any{
				"tool_call_id": id,
				"name":         ev.Payload["name"],
				"arguments":    ev.Payload["arguments"],
			})
		case event.TypeToolResult:
			id, _ := ev.Payload["tool_call_id"].(string)
			delete(pending, id)
		case event.TypeError:
			failures = append(failures, map[string]any{
				"stage":   ev.Payload["stage"],
				"message": ev.Payload["message"],
			})
		}
	}
	data.RequiresToolAction = len(pending) > 0
	if len(failures) > 0 {
		data.Metadata = map[string]any{"errors": failures}
	}

	code := http.StatusOK
	// A turn that produced neither text nor a tool handoff failed outright.
	if len(failures) > 0 && data.Text == "" && !data.RequiresToolAction {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, gin.H{
		"success": code == http.StatusOK,
		"code":    code,
		"data":    data,
	})
}

// handleUpload serves POST /storage/upload: a multipart file lands in the
// blob store and the response carries its durable URL.
func (s *Server) handleUpload(c *gin.Context) {
	if s.blobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blob storage not configured"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read upload: " + err.Error()})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := "uploads/" + c.GetString(ctxCustomerID) + "/" + uuid.NewString() + path.Ext(header.Filename)
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobPutTimeout)
	defer cancel()

	url, err := s.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		s.log.Error("gateway: upload failed", "key", key, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store upload: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "key": key, "size": len(data)})
}

// handleFile serves GET /files/*path: the read side of the blob store, where
// the durable URLs minted by Put resolve.
func (s *Server) handleFile(c *gin.Context) {
	if s.blobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blob storage not configured"})
		return
	}
	key := strings.TrimPrefix(c.Param("path"), "/")
	data, contentType, err := s.blobs.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.log.Error("gateway: blob read failed", "key", key, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read blob"})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// httpClient is the dispatch.Client for one-shot HTTP workflows: no audio
// ingest, no tool results (the closed channel makes delegated tool calls
// fail fast so the response can report requires_tool_action).
type httpClient struct {
	ctx context.Context
}

func (h httpClient) AudioFrames() <-chan []byte { return closedFrames }

func (h httpClient) ToolResults() <-chan request.ToolResult { return closedResults }

func (h httpClient) Cancelled() bool { return h.ctx.Err() != nil }

var (
	closedFrames  = func() chan []byte { ch := make(chan []byte); close(ch); return ch }()
	closedResults = func() chan request.ToolResult { ch := make(chan request.ToolResult); close(ch); return ch }()
)
