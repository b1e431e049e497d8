package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/lease"
	"github.com/matheus3301/wafleet/internal/store"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// AccountView is the status of one account as seen from this instance.
type AccountView struct {
	AccountID            string                  `json:"accountId"`
	Namespace            string                  `json:"namespace"`
	Phone                string                  `json:"phone"`
	Mode                 string                  `json:"mode"`
	Status               string                  `json:"status"`
	LastDisconnectReason string                  `json:"lastDisconnectReason,omitempty"`
	LastDisconnectAt     int64                   `json:"lastDisconnectAt,omitempty"`
	RetryCount           int                     `json:"retryCount"`
	NextRetryAt          int64                   `json:"nextRetryAt,omitempty"`
	ConnectedAt          int64                   `json:"connectedAt,omitempty"`
	HasCredentials       bool                    `json:"hasCredentials"`
	LeaseHolder          string                  `json:"leaseHolder,omitempty"`
	LeaseUntil           int64                   `json:"leaseUntil,omitempty"`
	LastRecentSyncAt     int64                   `json:"lastRecentSyncAt,omitempty"`
	LastRecentSyncResult *store.RecentSyncResult `json:"lastRecentSyncResult,omitempty"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// view merges the persisted row with the live manager state when this
// instance runs the account.
func (h *Handler) view(ctx context.Context, a *store.Account) AccountView {
	v := AccountView{
		AccountID:            a.ID,
		Namespace:            a.Namespace,
		Phone:                a.Phone,
		Mode:                 h.fleet.Mode(a.ID),
		Status:               a.Status,
		LastDisconnectReason: a.LastDisconnectReason,
		LastDisconnectAt:     a.LastDisconnectAt,
		RetryCount:           a.RetryCount,
		NextRetryAt:          a.NextRetryAt,
		ConnectedAt:          a.ConnectedAt,
		HasCredentials:       a.HasCredentials(),
		LastRecentSyncAt:     a.LastRecentSyncAt,
		LastRecentSyncResult: a.LastRecentSyncResult,
	}
	if snap, ok := h.fleet.Snapshot(a.ID); ok {
		v.Status = string(snap.Status)
		v.LastDisconnectReason = snap.LastDisconnectReason
		v.LastDisconnectAt = millis(snap.LastDisconnectAt)
		v.RetryCount = snap.RetryCount
		v.NextRetryAt = millis(snap.NextRetryAt)
		v.ConnectedAt = millis(snap.ConnectedAt)
		v.HasCredentials = snap.HasCredentials
	}
	l, err := h.leases.Get(ctx, lease.AccountResource(a.ID))
	if err != nil {
		h.logger.Warn("failed to read lease", zap.String("account", a.ID), zap.Error(err))
	} else if l != nil {
		v.LeaseHolder = l.HolderID
		v.LeaseUntil = l.Until
	}
	return v
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.db.ListAccounts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]AccountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, h.view(r.Context(), &accounts[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// account loads the {id} account or writes a 404.
func (h *Handler) account(w http.ResponseWriter, r *http.Request) (*store.Account, bool) {
	a, err := h.db.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return a, true
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context(), a))
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "repair", h.fleet.Repair)
}

func (h *Handler) reconnect(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "reconnect", h.fleet.Reconnect)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "logout", h.fleet.Logout)
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, string) error) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	err := fn(r.Context(), a.ID)
	switch {
	case err == nil:
	case errors.Is(err, conn.ErrNotOwner):
		writeErr(w, http.StatusConflict, "account is passive on this instance")
		return
	case errors.Is(err, conn.ErrTerminal):
		writeErr(w, http.StatusConflict, err.Error())
		return
	default:
		h.logger.Error("operator command failed", zap.String("account", a.ID), zap.String("command", name), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("operator command", zap.String("account", a.ID), zap.String("command", name))
	writeJSON(w, http.StatusAccepted, h.view(r.Context(), a))
}

// pendingQR returns the QR code the account is waiting to have scanned.
func (h *Handler) pendingQR(w http.ResponseWriter, r *http.Request) (string, bool) {
	a, ok := h.account(w, r)
	if !ok {
		return "", false
	}
	snap, active := h.fleet.Snapshot(a.ID)
	if !active {
		writeErr(w, http.StatusConflict, "account is passive on this instance")
		return "", false
	}
	if snap.QRCode == "" {
		writeErr(w, http.StatusNotFound, "no pairing in progress")
		return "", false
	}
	return snap.QRCode, true
}

func (h *Handler) qr(w http.ResponseWriter, r *http.Request) {
	code, ok := h.pendingQR(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountId": chi.URLParam(r, "id"), "code": code})
}

func (h *Handler) qrPNG(w http.ResponseWriter, r *http.Request) {
	code, ok := h.pendingQR(w, r)
	if !ok {
		return
	}
	size := 256
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s >= 64 && s <= 1024 {
		size = s
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	incidents, err := h.db.ListIncidents(r.Context(), activeOnly, queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incidents == nil {
		incidents = []store.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
