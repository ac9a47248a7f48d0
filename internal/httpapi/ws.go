package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/planforge/planforge/internal/auth"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/protocol"
	"github.com/planforge/planforge/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 256
)

// wsClaims authenticates a websocket request from its token query parameter.
// It runs before the upgrade so an unauthenticated caller costs nothing.
func (s *Server) wsClaims(r *http.Request) (auth.Claims, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return s.tokens.Verify(token)
}

// closePolicy upgrades the connection only to refuse it with a policy
// violation close frame. The websocket protocol has no way to carry a close
// code before the upgrade completes.
func (s *Server) closePolicy(w http.ResponseWriter, r *http.Request, reason string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

// wsProject authorizes the websocket caller against the project in the URL.
// It returns false after refusing the connection itself.
func (s *Server) wsProject(w http.ResponseWriter, r *http.Request, projectID string) (planning.Project, bool) {
	claims, err := s.wsClaims(r)
	if err != nil {
		s.closePolicy(w, r, "invalid or missing token")
		return planning.Project{}, false
	}
	project, err := s.store.GetProject(r.Context(), strings.TrimSpace(projectID))
	if err != nil {
		s.closePolicy(w, r, "project not found")
		return planning.Project{}, false
	}
	if project.OwnerID != claims.UserID && claims.Role != string(planning.RoleAdmin) {
		s.closePolicy(w, r, "project not found")
		return planning.Project{}, false
	}
	return project, true
}

// scopeWS builds the handler for one interactive planning scope. Each
// connection runs a session controller between two bounded queues: a reader
// feeds raw client frames in, a single writer goroutine drains controller
// replies out.
func (s *Server) scopeWS(ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, ok := s.wsProject(w, r, chi.URLParam(r, "project_id"))
		if !ok {
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		inbound := make(chan []byte, wsQueueSize)
		outbound := make(chan protocol.ServerMessage, wsQueueSize)

		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			ctrl.Run(ctx, project.ID, inbound, outbound)
		}()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeOutbound(ws, outbound)
		}()

		s.readInbound(ws, inbound)

		// Reader is gone: stop the session, let it flush, then stop the
		// writer by closing its queue.
		cancel()
		close(inbound)
		<-runDone
		close(outbound)
		<-writerDone
	}
}

// handleRunWS streams one run's live events to a read-only follower.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.wsClaims(r)
	if err != nil {
		s.closePolicy(w, r, "invalid or missing token")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.closePolicy(w, r, "run not found")
		return
	}
	project, err := s.store.GetProject(r.Context(), run.ProjectID)
	if err != nil || (project.OwnerID != claims.UserID && claims.Role != string(planning.RoleAdmin)) {
		s.closePolicy(w, r, "run not found")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.ServerMessage, wsQueueSize)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		session.ForwardRun(ctx, s.runs, run.ID, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeOutbound(ws, outbound)
	}()

	// Drain control frames so pings are answered and a client close ends
	// the stream. The follower endpoint accepts no commands.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-forwardDone
	close(outbound)
	<-writerDone
}

// writeOutbound is the single writer for one connection. It drains the queue
// until it is closed, applying a write deadline per frame.
func (s *Server) writeOutbound(ws *websocket.Conn, outbound <-chan protocol.ServerMessage) {
	for msg := range outbound {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(msg); err != nil {
			// Connection is dead; keep draining so the producer side is
			// never blocked on a full queue.
			for range outbound {
			}
			return
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("out", msg.Type).Inc()
		}
	}
}

// readInbound feeds text frames into the session queue until the client
// disconnects. Binary frames are ignored.
func (s *Server) readInbound(ws *websocket.Conn, inbound chan<- []byte) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("in", "text").Inc()
		}
		select {
		case inbound <- data:
		default:
			// The session is far behind; dropping a command beats stalling
			// the read loop and missing the client's close frame.
		}
	}
}
