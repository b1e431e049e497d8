package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matheus3301/wafleet/internal/api"
	"github.com/matheus3301/wafleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.AccountView{{AccountID: "acme-1", Mode: "active", Status: "connected"}})
	})
	mux.HandleFunc("POST /v1/accounts/{id}/reconnect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "account is passive on this instance"})
	})
	mux.HandleFunc("POST /v1/accounts/{id}/outbox", func(w http.ResponseWriter, r *http.Request) {
		var req api.EnqueueRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		code := http.StatusCreated
		if req.ClientMessageID == "dup" {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(store.OutboxEntry{ID: store.OutboxID(r.PathValue("id"), req.ClientMessageID), AccountID: r.PathValue("id"), Status: "queued"})
	})
	mux.HandleFunc("GET /v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		incs := []store.Incident{{Type: "disconnect_stuck", Active: true}}
		if r.URL.Query().Get("active") != "true" {
			incs = append(incs, store.Incident{Type: "reconnect_loop"})
		}
		_ = json.NewEncoder(w).Encode(incs)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAccounts(t *testing.T) {
	srv := fakeDaemon(t)
	c := New(srv.URL, "")
	views, err := c.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "acme-1", views[0].AccountID)
}

func TestCommandErrorCarriesStatus(t *testing.T) {
	srv := fakeDaemon(t)
	c := New(srv.URL, "")
	_, err := c.Command(context.Background(), "acme-1", "reconnect")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "passive")

	_, err = c.Command(context.Background(), "acme-1", "reboot")
	assert.Error(t, err)
}

func TestEnqueueReportsDuplicates(t *testing.T) {
	srv := fakeDaemon(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	e, created, err := c.Enqueue(ctx, "acme-1", api.EnqueueRequest{ClientMessageID: "c1", To: "x", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "cm:acme-1:c1", e.ID)

	_, created, err = c.Enqueue(ctx, "acme-1", api.EnqueueRequest{ClientMessageID: "dup", To: "x", Body: "hi"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestIncidentsFilter(t *testing.T) {
	srv := fakeDaemon(t)
	c := New(srv.URL, "")
	all, err := c.Incidents(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := c.Incidents(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8470", New("127.0.0.1:8470/", "").base)
	assert.Equal(t, "https://fleet.internal", New("https://fleet.internal", "").base)
}

func TestHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("account/acme-1", healthpb.HealthCheckResponse_NOT_SERVING)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c := New("", lis.Addr().String())
	st, err := c.Health(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = c.Health(context.Background(), "account/acme-1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}
