package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/lifecycle"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
)

type sendMessageRequest struct {
	AppointmentID string `json:"appointment_id"`
	Body          string `json:"message"`
	MessageType   string `json:"message_type"`
	FileURL       string `json:"file_url"`
}

type messageItem struct {
	MessageID   string `json:"message_id"`
	Sender      string `json:"sender"`
	Body        string `json:"message"`
	MessageType string `json:"message_type"`
	FileURL     string `json:"file_url,omitempty"`
	SentAt      string `json:"sent_at"`
}

// SendMessage appends a chat message to an in-progress consultation.
func (h *AppointmentHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Body = strings.TrimSpace(req.Body)
	if req.AppointmentID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "appointment_id and message are required")
		return
	}
	msgType := strings.TrimSpace(req.MessageType)
	if msgType == "" {
		msgType = lifecycle.DefaultMessageType
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	if !h.allowed(r, appt) {
		writeError(w, http.StatusForbidden, "not a participant of this appointment")
		return
	}
	if appt.Status != model.StatusInProgress {
		writeError(w, http.StatusConflict, "messages can only be sent while the consultation is in progress")
		return
	}

	sender := model.SenderUser
	if providerID := strings.TrimSpace(r.Header.Get("X-Provider-Id")); providerID != "" && providerID == appt.ProviderID {
		sender = model.SenderProvider
	}

	msg := model.Message{
		ID:            uuid.NewString(),
		AppointmentID: appt.ID,
		Sender:        sender,
		Body:          req.Body,
		MessageType:   msgType,
		FileURL:       strings.TrimSpace(req.FileURL),
		SentAt:        h.now(),
	}
	if err := h.repo.AppendMessage(ctx, tx, msg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	total, err := h.repo.CountMessages(ctx, tx, appt.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id":     msg.ID,
		"appointment_id": appt.ID,
		"sender":         sender,
		"sent_at":        msg.SentAt.Format(time.RFC3339),
		"message_count":  total,
	})
}

// ListMessages pages through the consultation chat history.
func (h *AppointmentHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	apptID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if apptID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id required")
		return
	}
	limit, skip := pageParams(r.URL.Query().Get("limit"), r.URL.Query().Get("skip"))

	appt, err := h.repo.Get(r.Context(), apptID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	if !h.allowed(r, appt) {
		writeError(w, http.StatusForbidden, "not a participant of this appointment")
		return
	}

	msgs, total, err := h.repo.ListMessages(r.Context(), apptID, limit, skip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	items := make([]messageItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageItem{
			MessageID:   m.ID,
			Sender:      m.Sender,
			Body:        m.Body,
			MessageType: m.MessageType,
			FileURL:     m.FileURL,
			SentAt:      m.SentAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": items,
		"total":    total,
		"limit":    limit,
		"skip":     skip,
		"has_more": skip+limit < total,
	})
}

func pageParams(rawLimit, rawSkip string) (limit, skip int) {
	limit = 50
	if raw := strings.TrimSpace(rawLimit); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if raw := strings.TrimSpace(rawSkip); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			skip = n
		}
	}
	return limit, skip
}
