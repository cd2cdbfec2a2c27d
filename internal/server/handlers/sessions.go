package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/easyott/eos/internal/session"
)

// SessionsHandler exposes the session management operations.
type SessionsHandler struct {
	manager *session.Manager
}

// NewSessionsHandler creates a sessions management handler.
func NewSessionsHandler(manager *session.Manager) *SessionsHandler {
	return &SessionsHandler{manager: manager}
}

// ListSessionsInput is the input for the session list endpoint.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for the session list endpoint.
type ListSessionsOutput struct {
	Body struct {
		Sessions []session.Status `json:"sessions"`
		Count    int              `json:"count"`
	}
}

// SessionInput addresses one session by id.
type SessionInput struct {
	ID string `path:"id" doc:"Session identifier"`
}

// SessionOutput is the per-session status payload.
type SessionOutput struct {
	Body session.Status
}

// SessionActionOutput acknowledges an enable/disable/close action.
type SessionActionOutput struct {
	Body struct {
		ID     string `json:"id"`
		Result string `json:"result"`
	}
}

// Register registers the session management routes with the API.
func (h *SessionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Description: "Returns the status of every active streaming session",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session status",
		Tags:        []string{"Sessions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "disableSession",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/disable",
		Summary:     "Pause transcription",
		Description: "Pauses the session's transcription engine; manifests keep serving",
		Tags:        []string{"Sessions"},
	}, h.Disable)

	huma.Register(api, huma.Operation{
		OperationID: "enableSession",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/enable",
		Summary:     "Resume transcription",
		Tags:        []string{"Sessions"},
	}, h.Enable)

	huma.Register(api, huma.Operation{
		OperationID: "closeSession",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Close session",
		Description: "Stops the session's pollers and transcription and removes it",
		Tags:        []string{"Sessions"},
	}, h.Close)
}

// List returns every session's status.
func (h *SessionsHandler) List(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	sessions := h.manager.List()

	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]session.Status, 0, len(sessions))
	for _, s := range sessions {
		out.Body.Sessions = append(out.Body.Sessions, s.Status())
	}
	out.Body.Count = len(out.Body.Sessions)
	return out, nil
}

// Get returns one session's status.
func (h *SessionsHandler) Get(_ context.Context, input *SessionInput) (*SessionOutput, error) {
	s, ok := h.manager.ByID(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}
	return &SessionOutput{Body: s.Status()}, nil
}

// Disable pauses a session's transcription.
func (h *SessionsHandler) Disable(_ context.Context, input *SessionInput) (*SessionActionOutput, error) {
	s, ok := h.manager.ByID(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}
	s.Disable()
	return actionOutput(input.ID, "disabled"), nil
}

// Enable resumes a session's transcription.
func (h *SessionsHandler) Enable(_ context.Context, input *SessionInput) (*SessionActionOutput, error) {
	s, ok := h.manager.ByID(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}
	s.Enable()
	return actionOutput(input.ID, "enabled"), nil
}

// Close closes and removes a session.
func (h *SessionsHandler) Close(_ context.Context, input *SessionInput) (*SessionActionOutput, error) {
	if !h.manager.Remove(input.ID) {
		return nil, huma.Error404NotFound("session not found")
	}
	return actionOutput(input.ID, "closed"), nil
}

func actionOutput(id, result string) *SessionActionOutput {
	out := &SessionActionOutput{}
	out.Body.ID = id
	out.Body.Result = result
	return out
}
