package channels

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxWebhookBody caps inbound webhook bodies (1 MiB).
const maxWebhookBody = 1 << 20

// Handler exposes the Service over HTTP: webhook ingress per channel,
// channel CRUD, and conversation endpoints. Mount Routes() under the
// application router.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler for the given service.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the chi router for the subsystem.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Webhook ingress. The widget uses its own historical path; all other
	// channel types use the generic one.
	r.Post("/api/widget/chat/{channelID}", h.webhook(TypeChatWidget))
	r.Post("/api/channels/{type}/{channelID}/webhook", h.webhookByType)

	r.Post("/api/channels", h.createChannel)
	r.Get("/api/channels", h.listChannels)
	r.Get("/api/channels/{channelID}", h.getChannel)
	r.Get("/api/channels/{channelID}/status", h.getChannelStatus)
	r.Put("/api/channels/{channelID}", h.updateChannel)
	r.Delete("/api/channels/{channelID}", h.deleteChannel)

	r.Get("/api/conversations", h.listConversations)
	r.Get("/api/conversations/{conversationID}", h.getConversation)
	r.Get("/api/conversations/{conversationID}/messages", h.listMessages)
	r.Post("/api/conversations/{conversationID}/messages", h.sendMessage)
	r.Post("/api/conversations/{conversationID}/assign", h.assignConversation)
	r.Post("/api/conversations/{conversationID}/resolve", h.resolveConversation)

	return r
}

// --- webhook ingress ------------------------------------------------------

func (h *Handler) webhookByType(w http.ResponseWriter, r *http.Request) {
	t := ChannelType(chi.URLParam(r, "type"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, &ErrUnknownChannelType{Type: t})
		return
	}
	h.webhook(t)(w, r)
}

func (h *Handler) webhook(t ChannelType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload.ChannelType = t
		payload.ChannelID = channelID
		payload.RawBody = body
		if payload.Signature == "" {
			payload.Signature = r.Header.Get("X-Signature-256")
		}
		if payload.Timestamp.IsZero() {
			payload.Timestamp = time.Now().UTC()
		}

		msg, conv, err := h.svc.HandleWebhook(r.Context(), channelID, payload)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if msg == nil {
			// Recognized but non-message event: intentionally discarded.
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":          "accepted",
			"message_id":      msg.ID,
			"conversation_id": conv.ID,
		})
	}
}

// --- channel CRUD ---------------------------------------------------------

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	var in CreateChannelInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := h.svc.CreateChannel(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, errors.New("workspace_id is required"))
		return
	}
	chs, err := h.svc.GetWorkspaceChannels(r.Context(), workspaceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if chs == nil {
		chs = []*Channel{}
	}
	writeJSON(w, http.StatusOK, chs)
}

func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.GetChannel(r.Context(),
		r.URL.Query().Get("workspace_id"), chi.URLParam(r, "channelID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) getChannelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetChannelStatus(r.Context(),
		r.URL.Query().Get("workspace_id"), chi.URLParam(r, "channelID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) updateChannel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		WorkspaceID string          `json:"workspace_id"`
		Name        string          `json:"name"`
		Config      json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := h.svc.UpdateChannel(r.Context(),
		in.WorkspaceID, chi.URLParam(r, "channelID"), in.Name, in.Config)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteChannel(r.Context(),
		r.URL.Query().Get("workspace_id"), chi.URLParam(r, "channelID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- conversations --------------------------------------------------------

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, errors.New("workspace_id is required"))
		return
	}
	convs, err := h.svc.GetWorkspaceConversations(r.Context(), workspaceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.GetConversationMessages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*ConversationMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage is the reply producer's entry point: it delivers through the
// conversation's channel and persists only on delivery success.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var out OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out.ConversationID = conversationID
	if out.Content == "" && len(out.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	msg, err := h.svc.SendMessage(r.Context(), conv.ChannelID, out)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) assignConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AgentID *string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := h.svc.AssignConversation(r.Context(), chi.URLParam(r, "conversationID"), in.AgentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) resolveConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.ResolveConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// --- error mapping --------------------------------------------------------

// writeServiceError maps the error taxonomy to status codes. Delivery
// failures surface as 502/503 — never swallowed, so the caller's view of
// conversation state stays in sync with what actually happened externally.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		invalidConfig *ErrInvalidConfig
		unknownType   *ErrUnknownChannelType
		chanNotFound  *ErrChannelNotFound
		convNotFound  *ErrConversationNotFound
		resolved      *ErrConversationResolved
		connectFailed *ErrConnectFailed
		sendFailed    *ErrSendFailed
		badWebhook    *ErrBadWebhook
	)
	switch {
	case errors.As(err, &invalidConfig):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": "invalid config", "details": invalidConfig.Errors,
		})
	case errors.As(err, &unknownType):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &chanNotFound), errors.As(err, &convNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &resolved):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &badWebhook):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &connectFailed):
		writeError(w, http.StatusBadGateway, err)
	case errors.As(err, &sendFailed):
		code := http.StatusBadGateway
		if sendFailed.Retryable {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"error": err.Error(), "retryable": sendFailed.Retryable,
		})
	default:
		h.logger.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
