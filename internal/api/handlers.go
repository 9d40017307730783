package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/proxy"
	"github.com/shizukutanaka/supervisor/internal/supervisor"
)

const bodyPreviewChars = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Optics Supervisor API"})
}

// sessionStartResponse is the only part of a worker's reply the gateway reads.
type sessionStartResponse struct {
	SessionID string `json:"session_id"`
}

// handleSessionStart sends a new session to the next worker and, when the
// worker accepts it, pins the returned session id to that worker.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn("Failed to read request body", zap.Error(err))
		sendText(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	// The cursor only advances for requests that will be forwarded
	port, ok := s.sup.NextWorker()
	if !ok {
		sendText(w, http.StatusServiceUnavailable, "No workers available")
		return
	}

	target := s.workerURL(port, r)
	resp := s.fwd.Forward(r.Context(), r.Method, target, r.Header, body)

	if resp.StatusCode >= 500 {
		s.logger.Error("Worker failed to start session",
			zap.String("target", target),
			zap.Int("status", resp.StatusCode),
			zap.Int("request_size", len(body)),
			zap.String("response_body", bodyPreview(resp.Body)),
		)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.bindSession(port, resp.Body)
	}

	s.writeResponse(w, resp)
}

// bindSession records the session id found in a create-session reply.
// Failures are logged and never affect the reply sent to the caller.
func (s *Server) bindSession(port int, body []byte) {
	var payload sessionStartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("Failed to extract session_id from response",
			zap.Int("port", port),
			zap.Error(err),
		)
		return
	}
	if payload.SessionID == "" {
		s.logger.Warn("Worker response has no session_id", zap.Int("port", port))
		return
	}

	s.sup.Bind(payload.SessionID, port)
}

// handleForward relays any other request to the worker owning the session
// in the path, or to the next worker when the path names no session.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn("Failed to read request body", zap.Error(err))
		sendText(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var port int
	if sessionID, ok := supervisor.ExtractSessionID(r.URL.Path); ok {
		port, ok = s.sup.Resolve(sessionID)
		if !ok {
			sendText(w, http.StatusServiceUnavailable, "No worker available for session")
			return
		}
	} else {
		port, ok = s.sup.NextWorker()
		if !ok {
			sendText(w, http.StatusServiceUnavailable, "No workers available")
			return
		}
	}

	resp := s.fwd.Forward(r.Context(), r.Method, s.workerURL(port, r), r.Header, body)
	s.writeResponse(w, resp)
}

// workerURL keeps the escaped path and raw query of the inbound request.
func (s *Server) workerURL(port int, r *http.Request) string {
	u := url.URL{
		Scheme:   "http",
		Host:     s.sup.WorkerAddr(port),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *proxy.Response) {
	if err := resp.Write(w); err != nil {
		s.logger.Debug("Failed to write response to client", zap.Error(err))
	}
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendText sends a plain-text response
func sendText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, message)
}

func bodyPreview(body []byte) string {
	if len(body) == 0 {
		return "<empty>"
	}
	runes := []rune(string(body))
	if len(runes) > bodyPreviewChars {
		runes = runes[:bodyPreviewChars]
	}
	return string(runes)
}
