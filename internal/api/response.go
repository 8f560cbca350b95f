package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps engine and validation errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrSessionTerminal):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrUnknownTrigger),
		errors.Is(err, workflow.ErrUnknownState),
		errors.Is(err, models.ErrMissingTrigger),
		errors.Is(err, models.ErrUnknownTriggerName),
		errors.Is(err, models.ErrUnknownStateName),
		errors.Is(err, models.ErrSubStateTooLong),
		errors.Is(err, models.ErrTooManyDataEntries),
		errors.Is(err, models.ErrDataValueTooLong),
		errors.Is(err, models.ErrEmptyDataKey),
		errors.Is(err, models.ErrMissingExpectedState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusForError picks. Internal errors are
// not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeJSONResponse(w, status, models.Error(msg))
}
