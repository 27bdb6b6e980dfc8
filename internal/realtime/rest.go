package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"forge/internal/runner"
	"forge/internal/session"
)

type createSessionRequest struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	MessageID string `json:"messageId"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, runner.ErrActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrTerminated):
		return http.StatusConflict
	case errors.Is(err, session.ErrMaxSessions):
		return http.StatusTooManyRequests
	default:
		return fallback
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.WorkDir == "" {
		writeError(w, http.StatusBadRequest, "workDir is required")
		return
	}

	sess, err := s.createSession(req.WorkDir, req.Label)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	messageID, err := s.sendChat(id, req.Text)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sendMessageResponse{MessageID: messageID})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.sessionMgr.Actions(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleAbortAction(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionMgr.Abort(r.PathValue("id"), r.PathValue("actionId")); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleProjectCommands(w http.ResponseWriter, r *http.Request) {
	msg, err := s.runProjectCommands(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err, http.StatusUnprocessableEntity), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Payload)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.killSession(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}
