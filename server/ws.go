package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadline/threadline/dispatch"
	"github.com/threadline/threadline/orchestrator"
	"github.com/threadline/threadline/ratelimit"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Maximum message size allowed from peer
	wsMaxMessageSize = 64 * 1024
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
}

// HandleOrchestrateWS handles /ws/orchestrate: the client sends one
// orchestration request as JSON, then receives each flow event as its
// own JSON frame. The stream ends with a flow-end or error event, after
// which the connection closes. Client disconnect cancels the flow.
func (s *Server) HandleOrchestrateWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Orchestrate WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	var req dispatch.Request
	if err := conn.ReadJSON(&req); err != nil {
		s.writeWSEvent(conn, orchestrator.Event{Type: orchestrator.EventError, Error: "invalid request"})
		return
	}
	if req.Prompt == "" {
		s.writeWSEvent(conn, orchestrator.Event{Type: orchestrator.EventError, Error: "prompt is required"})
		return
	}

	identifier, tier := s.identity(r)
	if _, err := s.limiter.CheckAndConsume(r.Context(), identifier, tier, ratelimit.CategoryOrchestration); err != nil {
		s.logger.Warnw("Streaming orchestration rejected by rate limit",
			"identifier", identifier, "error", err)
		s.writeWSEvent(conn, orchestrator.Event{Type: orchestrator.EventError, Error: err.Error()})
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = identifier
	}

	// Cancel the flow when the client goes away. Reads after the initial
	// request only ever return on disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	events := s.orch.OrchestrateStream(ctx, orchestrator.Request{
		Prompt:      req.Prompt,
		ChatHistory: req.ChatHistory,
		TenantID:    tenantID,
		UseResearch: req.UseResearch,
	})

	for event := range events {
		if !s.writeWSEvent(conn, event) {
			return
		}
	}
}

// writeWSEvent frames one event, reporting false when the peer is gone
func (s *Server) writeWSEvent(conn *websocket.Conn, event orchestrator.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(event); err != nil {
		s.logger.Debugw("Orchestrate WebSocket write failed", "error", err)
		return false
	}
	return true
}
