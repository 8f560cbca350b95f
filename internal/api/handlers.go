package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

// maxBodyBytes bounds request bodies; state data values are the largest payloads.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createSessionHandler: processing create request", "path", r.URL.Path)

	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	snap, err := s.engine.CreateSession(r.Context(), req.ContextFlags)
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to create session", "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.createSessionHandler: session created", "sessionID", snap.SessionID, "state", snap.State)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", snap))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		if !errors.Is(err, flow.ErrSessionNotFound) {
			slog.Error("Server.getSessionHandler: failed to load session", "sessionID", id, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.DeleteSession(r.Context(), id); err != nil {
		if !errors.Is(err, flow.ErrSessionNotFound) {
			slog.Error("Server.deleteSessionHandler: failed to delete session", "sessionID", id, "error", err)
		}
		writeError(w, err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

func (s *Server) submitTriggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := r.PathValue("id")
	slog.Debug("Server.submitTriggerHandler: processing trigger", "sessionID", id)

	var req models.SubmitTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.submitTriggerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	parsed, err := req.Parse()
	if err != nil {
		slog.Warn("Server.submitTriggerHandler: validation failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.engine.SubmitTrigger(r.Context(), id, parsed.Trigger, flow.Payload{
		Target:        parsed.Target,
		ExpectedState: parsed.ExpectedState,
		SubState:      models.SubState(req.SubState),
		Data:          req.Data,
	})
	if err != nil {
		if !errors.Is(err, flow.ErrSessionNotFound) {
			slog.Error("Server.submitTriggerHandler: trigger failed", "sessionID", id, "trigger", parsed.Trigger, "error", err)
		}
		writeError(w, err)
		return
	}

	if !res.Accepted {
		// Rejections are a normal outcome; the session is unchanged.
		reason := "rejected"
		if res.Rejection != nil {
			reason = string(res.Rejection.Reason)
		}
		slog.Debug("Server.submitTriggerHandler: trigger rejected", "sessionID", id, "trigger", parsed.Trigger, "reason", reason)
		writeJSONResponse(w, http.StatusConflict, models.Rejected(reason, res))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) setStateDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := r.PathValue("id")

	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		slog.Warn("Server.setStateDataHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(values) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("at least one data entry is required"))
		return
	}

	if _, err := s.stateManager.SetStateData(r.Context(), id, values); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) deleteStateDataHandler(w http.ResponseWriter, r *http.Request) {
	id, key := r.PathValue("id"), r.PathValue("key")
	if err := s.stateManager.DeleteStateData(r.Context(), id, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("State data deleted", nil))
}

// workflowDescription is the body of GET /workflow.
type workflowDescription struct {
	InitialState models.State         `json:"initial_state"`
	States       []workflow.StateView `json:"states"`
	Warnings     []string             `json:"warnings,omitempty"`
}

func (s *Server) workflowHandler(w http.ResponseWriter, r *http.Request) {
	def := s.engine.Definition()
	writeJSONResponse(w, http.StatusOK, models.Success(workflowDescription{
		InitialState: def.InitialState(),
		States:       def.Describe(),
		Warnings:     def.Warnings(),
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{
		"sessions": s.engine.Registry().Len(),
	}))
}
