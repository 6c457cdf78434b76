// Package webapi exposes the operator console's REST API: task lifecycle,
// VM boot and reuse, conversation continuation, snapshots, the prompt
// library, and credential status.
package webapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swcompose/operator/internal/anthropic"
	"github.com/swcompose/operator/internal/namegen"
	"github.com/swcompose/operator/internal/operator"
	"github.com/swcompose/operator/internal/prompts"
	"github.com/swcompose/operator/internal/store"
	"github.com/swcompose/operator/internal/validation"
)

// Version is set at build time or defaults to dev.
var Version = "0.3.0"

// Handlers holds the HTTP handler methods for the console API.
type Handlers struct {
	op      *operator.Operator
	store   store.Store
	prompts *prompts.Service
	logger  *slog.Logger
}

// NewHandlers creates a new Handlers.
func NewHandlers(op *operator.Operator, st store.Store, ps *prompts.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{op: op, store: st, prompts: ps, logger: logger}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// HandleCreateTask creates a task record.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	taskID := h.store.NewID()
	err := h.store.Transact(r.Context(), []store.Op{{
		Entity: store.EntityTasks,
		ID:     taskID,
		Set: map[string]any{
			"name":        req.Name,
			"description": req.Description,
			"metadata":    req.Metadata,
			"createdAt":   time.Now(),
		},
	}})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": taskID})
}

// HandleGetTask returns a task with its orchestration state.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	iterationID, instanceID := h.op.Target(taskID)
	writeJSON(w, http.StatusOK, TaskResponse{
		Task:        *task,
		Phase:       string(h.op.TaskPhase(taskID)),
		IterationID: iterationID,
		InstanceID:  instanceID,
		Awaiting:    h.op.Awaiting(taskID),
	})
}

// HandleResolve checks for a reusable live instance for the task.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	res, err := h.op.ResolveExisting(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, operator.ErrBootInFlight) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, ResolveResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Found:       true,
		IterationID: res.IterationID,
		InstanceID:  res.InstanceID,
	})
}

// HandleBoot boots a fresh VM for the task.
func (h *Handlers) HandleBoot(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if errs := validation.ValidateBootBytes(body); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, strings.Join(errs, "; "))
		return
	}
	var req BootRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	machineName := req.MachineName
	if machineName == "" {
		machineName = namegen.UniqueMachineName()
	}

	instanceID, err := h.op.Boot(r.Context(), operator.BootRequest{
		TaskID:      taskID,
		Prompt:      req.Prompt,
		MachineName: machineName,
		SnapshotID:  req.SnapshotID,
		CredentialRef: store.TokenRef{
			TokenID:   req.TokenID,
			UserEmail: req.UserEmail,
		},
		Model: req.Model,
	})
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrNoSnapshot), errors.Is(err, operator.ErrNoSystemPrompt):
			writeError(w, http.StatusPreconditionFailed, err.Error())
		case errors.Is(err, operator.ErrBootInFlight):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, BootResponse{InstanceID: instanceID, MachineName: machineName})
}

// HandleConversation returns the task's conversation view. An optional
// sessionId query parameter narrows messages to one session; otherwise all
// messages are returned in chronological order across sessions.
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	graph, err := h.op.Conversation(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := ConversationResponse{
		IterationID: graph.IterationID,
		MachineName: graph.MachineName,
		SetupStatus: graph.SetupStatus,
		Sessions:    []SessionSummary{},
		Messages:    []store.Message{},
		Awaiting:    h.op.Awaiting(taskID),
	}
	for _, s := range graph.Sessions {
		resp.Sessions = append(resp.Sessions, SessionSummary{
			ID:            s.ID,
			ExternalUUID:  s.ExternalUUID,
			SessionName:   s.SessionName,
			LastMessageAt: s.LastMessageAt,
			CreatedAt:     s.CreatedAt,
			MessageCount:  len(s.Messages),
		})
	}
	if cur := graph.CurrentSession(); cur != nil {
		resp.CurrentSessionID = cur.ID
	}
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		if msgs := graph.SessionMessages(sessionID); msgs != nil {
			resp.Messages = msgs
		}
	} else if msgs := graph.AllMessages(); msgs != nil {
		resp.Messages = msgs
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSend routes a user message into the task's conversation.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if errs := validation.ValidateSendBytes(body); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, strings.Join(errs, "; "))
		return
	}
	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err = h.op.Send(r.Context(), operator.SendRequest{
		TaskID:     taskID,
		InstanceID: req.InstanceID,
		SessionID:  req.SessionID,
		Text:       req.Text,
		Model:      req.Model,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// HandleCancelAwait clears the awaiting-response flag for a task.
func (h *Handlers) HandleCancelAwait(w http.ResponseWriter, r *http.Request) {
	h.op.CancelAwait(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleInstanceStatus reports an instance's live status and service URL.
func (h *Handlers) HandleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.op.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, InstanceResponse{
		InstanceID: status.InstanceID,
		Status:     string(status.Status),
		ServiceURL: status.ServiceURL,
	})
}

// HandlePause pauses an instance.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.op.Pause(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResume resumes a paused instance.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.op.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStop stops an instance. The optional taskId query parameter lets
// the orchestrator release its in-memory binding too.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if err := h.op.StopInstance(r.Context(), taskID, r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateSnapshot snapshots an instance as a reusable template.
func (h *Handlers) HandleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "snapshot name is required")
		return
	}
	snap, err := h.op.CreateTemplateSnapshot(r.Context(), r.PathValue("id"), req.IterationID, req.Name)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, SnapshotResponse{
		ID:        snap.ID,
		Metadata:  snap.Metadata,
		CreatedAt: snap.CreatedAt,
	})
}

// HandleListSnapshots returns template snapshots.
func (h *Handlers) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.op.ListTemplateSnapshots(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]SnapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, SnapshotResponse{ID: s.ID, Metadata: s.Metadata, CreatedAt: s.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDeleteSnapshot deletes a snapshot.
func (h *Handlers) HandleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.op.DeleteSnapshot(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListPrompts returns the prompt library.
func (h *Handlers) HandleListPrompts(w http.ResponseWriter, r *http.Request) {
	list, err := h.prompts.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGetPrompt returns one prompt with its versions.
func (h *Handlers) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.prompts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleCreatePrompt adds a prompt with its initial version.
func (h *Handlers) HandleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req CreatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}
	promptID, versionID, err := h.prompts.Create(r.Context(), req.Name, req.Content, req.Tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"promptId": promptID, "versionId": versionID})
}

// HandleCreateVersion appends a version to a prompt.
func (h *Handlers) HandleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	versionID, err := h.prompts.AddVersion(r.Context(), r.PathValue("id"), req.Content, req.Changelog)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"versionId": versionID})
}

// HandleForkPrompt forks a prompt version into a new prompt.
func (h *Handlers) HandleForkPrompt(w http.ResponseWriter, r *http.Request) {
	var req ForkPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VersionID == "" || req.NewName == "" {
		writeError(w, http.StatusBadRequest, "versionId and newName are required")
		return
	}
	newID, err := h.prompts.Fork(r.Context(), r.PathValue("id"), req.VersionID, req.NewName, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"promptId": newID})
}

// HandlePromptPreview renders a prompt's latest version to HTML.
func (h *Handlers) HandlePromptPreview(w http.ResponseWriter, r *http.Request) {
	p, err := h.prompts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if len(p.Versions) == 0 {
		writeError(w, http.StatusNotFound, "prompt has no versions")
		return
	}
	html, err := prompts.RenderPreview(p.Versions[0].Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html)) //nolint:errcheck
}

// HandleSetSystemPrompt selects a system prompt for a task. A second
// selection is rejected with 409.
func (h *Handlers) HandleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req SetSystemPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PromptID == "" {
		writeError(w, http.StatusBadRequest, "promptId is required")
		return
	}
	err := h.prompts.SetTaskSystemPrompt(r.Context(), r.PathValue("id"), req.PromptID, req.VersionID)
	if err != nil {
		if errors.Is(err, prompts.ErrSystemPromptAlreadySet) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTokenStatus reports credential health. Expiry here is advisory:
// the boot path stays permissive, so this endpoint is what UIs gate
// submission on.
func (h *Handlers) HandleTokenStatus(w http.ResponseWriter, r *http.Request) {
	ref := store.TokenRef{
		TokenID:   r.URL.Query().Get("tokenId"),
		UserEmail: r.URL.Query().Get("email"),
	}
	tok, err := h.store.TokenFor(r.Context(), ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, TokenStatusResponse{Connected: false})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenStatusResponse{
		Connected:    true,
		SharedToken:  ref.UserEmail == "" && ref.TokenID == "",
		Expired:      anthropic.IsExpired(tok.ExpiresAt),
		ExpiringSoon: anthropic.IsExpiringSoon(tok.ExpiresAt),
		ExpiresAt:    tok.ExpiresAt,
	})
}

// RegisterRoutes registers all console API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, h *Handlers) {
	mux.HandleFunc("GET /api/health", h.HandleHealth)

	mux.HandleFunc("POST /api/tasks", h.HandleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/resolve", h.HandleResolve)
	mux.HandleFunc("POST /api/tasks/{id}/boot", h.HandleBoot)
	mux.HandleFunc("GET /api/tasks/{id}/conversation", h.HandleConversation)
	mux.HandleFunc("POST /api/tasks/{id}/messages", h.HandleSend)
	mux.HandleFunc("DELETE /api/tasks/{id}/await", h.HandleCancelAwait)
	mux.HandleFunc("PUT /api/tasks/{id}/system-prompt", h.HandleSetSystemPrompt)

	mux.HandleFunc("GET /api/instances/{id}", h.HandleInstanceStatus)
	mux.HandleFunc("POST /api/instances/{id}/pause", h.HandlePause)
	mux.HandleFunc("POST /api/instances/{id}/resume", h.HandleResume)
	mux.HandleFunc("DELETE /api/instances/{id}", h.HandleStop)
	mux.HandleFunc("POST /api/instances/{id}/snapshots", h.HandleCreateSnapshot)

	mux.HandleFunc("GET /api/snapshots", h.HandleListSnapshots)
	mux.HandleFunc("DELETE /api/snapshots/{id}", h.HandleDeleteSnapshot)

	mux.HandleFunc("GET /api/prompts", h.HandleListPrompts)
	mux.HandleFunc("POST /api/prompts", h.HandleCreatePrompt)
	mux.HandleFunc("GET /api/prompts/{id}", h.HandleGetPrompt)
	mux.HandleFunc("POST /api/prompts/{id}/versions", h.HandleCreateVersion)
	mux.HandleFunc("POST /api/prompts/{id}/fork", h.HandleForkPrompt)
	mux.HandleFunc("GET /api/prompts/{id}/preview", h.HandlePromptPreview)

	mux.HandleFunc("GET /api/tokens/status", h.HandleTokenStatus)
}

// CORSMiddleware wraps a handler with CORS headers.
// If allowedOrigins is empty, no CORS header is set (same-origin only).
// Otherwise, the request Origin is checked against the allowed list.
func CORSMiddleware(next http.Handler, allowedOrigins ...string) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(allowedOrigins) > 0 && origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Code: code})
}
