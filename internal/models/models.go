// Package models defines the core data structures for CharacterForge.
//
// It includes the request payloads accepted by the HTTP layer and the JSON envelope
// every endpoint responds with.
package models

import (
	"errors"
	"fmt"
)

// Validation constants for input validation
const (
	// MaxSubStateLength defines the maximum allowed length for a sub-state marker
	MaxSubStateLength = 64
	// MaxStateDataEntries defines the maximum number of state data entries per trigger
	MaxStateDataEntries = 32
	// MaxStateDataValueLength defines the maximum allowed length of one state data value
	MaxStateDataValueLength = 16384
)

// Error variables for better error handling and testability
var (
	ErrMissingTrigger     = errors.New("trigger is required")
	ErrUnknownTriggerName = errors.New("unknown trigger")
	ErrUnknownStateName   = errors.New("unknown state")
	ErrSubStateTooLong    = errors.New("sub_state exceeds maximum length")
	ErrTooManyDataEntries = errors.New("too many data entries")
	ErrDataValueTooLong   = errors.New("data value exceeds maximum length")
	ErrEmptyDataKey       = errors.New("data key cannot be empty")
	// ErrMissingExpectedState is returned when a user trigger other than a cancel omits
	// the state it was composed against.
	ErrMissingExpectedState = errors.New("expected_state is required for user triggers")
)

// CreateSessionRequest is the payload for POST /sessions.
type CreateSessionRequest struct {
	ContextFlags ContextFlags `json:"context_flags"`
}

// Validate validates a CreateSessionRequest.
func (r *CreateSessionRequest) Validate() error {
	return r.ContextFlags.Validate()
}

// SubmitTriggerRequest is the payload for POST /sessions/{id}/triggers.
type SubmitTriggerRequest struct {
	Trigger       string            `json:"trigger"`
	Target        string            `json:"target,omitempty"`         // explicit target state; skips recommendation
	ExpectedState string            `json:"expected_state,omitempty"` // precondition on the current state
	SubState      string            `json:"sub_state,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// Parsed holds the catalog values resolved from a SubmitTriggerRequest.
type Parsed struct {
	Trigger       Trigger
	Target        State
	ExpectedState State
}

// Parse validates the request and resolves its catalog names.
func (r *SubmitTriggerRequest) Parse() (Parsed, error) {
	var p Parsed
	if r.Trigger == "" {
		return p, ErrMissingTrigger
	}
	t, ok := ParseTrigger(r.Trigger)
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnknownTriggerName, r.Trigger)
	}
	p.Trigger = t

	if r.Target != "" {
		s, ok := ParseState(r.Target)
		if !ok {
			return p, fmt.Errorf("%w: target %q", ErrUnknownStateName, r.Target)
		}
		p.Target = s
	}
	if r.ExpectedState != "" {
		s, ok := ParseState(r.ExpectedState)
		if !ok {
			return p, fmt.Errorf("%w: expected_state %q", ErrUnknownStateName, r.ExpectedState)
		}
		p.ExpectedState = s
	}

	if len(r.SubState) > MaxSubStateLength {
		return p, ErrSubStateTooLong
	}
	if len(r.Data) > MaxStateDataEntries {
		return p, ErrTooManyDataEntries
	}
	for k, v := range r.Data {
		if k == "" {
			return p, ErrEmptyDataKey
		}
		if len(v) > MaxStateDataValueLength {
			return p, ErrDataValueTooLong
		}
	}
	if t.IsUser() && t != TriggerUserCancelRequest && p.ExpectedState == StateUnknown {
		return p, ErrMissingExpectedState
	}
	return p, nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRejected indicates a trigger was evaluated and rejected by the workflow.
	APIStatusRejected APIStatus = "rejected"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Rejected creates a response for a trigger the workflow refused.
func Rejected(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRejected).
		WithMessage(message).
		WithResult(result).
		Build()
}
