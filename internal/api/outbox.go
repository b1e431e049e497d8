package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// EnqueueRequest is the body of POST /v1/accounts/{id}/outbox.
type EnqueueRequest struct {
	ID              string `json:"id,omitempty"`
	ClientMessageID string `json:"clientMessageId"`
	To              string `json:"to"`
	Body            string `json:"body"`
	MaxAttempts     int    `json:"maxAttempts,omitempty"`
}

// enqueue accepts a send request on any instance. The owner's worker picks it
// up from the shared store.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.To = strings.TrimSpace(req.To)
	switch {
	case req.To == "":
		writeErr(w, http.StatusBadRequest, "to is required")
		return
	case req.ClientMessageID == "" && req.ID == "":
		writeErr(w, http.StatusBadRequest, "clientMessageId is required")
		return
	case req.Body == "":
		writeErr(w, http.StatusBadRequest, "body is required")
		return
	case req.MaxAttempts < 0:
		writeErr(w, http.StatusBadRequest, "maxAttempts must not be negative")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = h.opts.MaxAttempts
	}

	entry, created, err := h.db.EnqueueOutbox(r.Context(), store.OutboxEntry{
		ID:              req.ID,
		AccountID:       a.ID,
		ToAddress:       req.To,
		Body:            req.Body,
		ClientMessageID: req.ClientMessageID,
		MaxAttempts:     req.MaxAttempts,
	})
	if errors.Is(err, store.ErrOutboxConflict) {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to enqueue", zap.String("account", a.ID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		h.logger.Info("outbox entry enqueued",
			zap.String("account", a.ID),
			zap.String("entry", entry.ID),
			zap.String("client_message_id", entry.ClientMessageID))
	}
	writeJSON(w, code, entry)
}

func (h *Handler) getOutbox(w http.ResponseWriter, r *http.Request) {
	entry, err := h.db.GetOutbox(r.Context(), chi.URLParam(r, "entryID"))
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "outbox entry not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) listOutbox(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	st := r.URL.Query().Get("status")
	switch st {
	case "", store.OutboxQueued, store.OutboxSending, store.OutboxSent, store.OutboxFailed:
	default:
		writeErr(w, http.StatusBadRequest, "unknown status "+strconv.Quote(st))
		return
	}
	entries, err := h.db.ListOutbox(r.Context(), a.ID, st, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.OutboxEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listThreads(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	threads, err := h.db.RecentThreads(r.Context(), a.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// listMessages pages backwards through a thread. before is a unix
// millisecond timestamp; the newest messages come first.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	peer, err := url.PathUnescape(chi.URLParam(r, "peer"))
	if err != nil || peer == "" {
		writeErr(w, http.StatusBadRequest, "invalid peer")
		return
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "before must be a unix millisecond timestamp")
			return
		}
	}
	msgs, err := h.db.ListMessages(r.Context(), store.ThreadID(a.ID, peer), before, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
