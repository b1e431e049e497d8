// Package client talks to a running wafleetd over its HTTP API and gRPC
// health endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/wafleet/internal/api"
	"github.com/matheus3301/wafleet/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Client wraps the daemon's HTTP and gRPC endpoints.
type Client struct {
	base     string
	grpcAddr string
	http     *http.Client
}

// New returns a client for the daemon at httpAddr (host:port or URL) with its
// health service at grpcAddr.
func New(httpAddr, grpcAddr string) *Client {
	base := strings.TrimRight(httpAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:     base,
		grpcAddr: grpcAddr,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Accounts lists every provisioned account.
func (c *Client) Accounts(ctx context.Context) ([]api.AccountView, error) {
	var views []api.AccountView
	_, err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &views)
	return views, err
}

// Account returns one account.
func (c *Client) Account(ctx context.Context, id string) (*api.AccountView, error) {
	var v api.AccountView
	if _, err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Command runs repair, reconnect or logout on an account. Only the instance
// holding the account's lease accepts it.
func (c *Client) Command(ctx context.Context, id, name string) (*api.AccountView, error) {
	switch name {
	case "repair", "reconnect", "logout":
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
	var v api.AccountView
	if _, err := c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(id)+"/"+name, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// QR returns the pending pairing code of an account.
func (c *Client) QR(ctx context.Context, id string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	_, err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id)+"/qr", nil, &out)
	return out.Code, err
}

// Enqueue submits a send request. created is false when the request was a
// duplicate of an existing entry.
func (c *Client) Enqueue(ctx context.Context, id string, req api.EnqueueRequest) (entry *store.OutboxEntry, created bool, err error) {
	var e store.OutboxEntry
	code, err := c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(id)+"/outbox", req, &e)
	if err != nil {
		return nil, false, err
	}
	return &e, code == http.StatusCreated, nil
}

// Outbox returns one outbox entry.
func (c *Client) Outbox(ctx context.Context, entryID string) (*store.OutboxEntry, error) {
	var e store.OutboxEntry
	if _, err := c.do(ctx, http.MethodGet, "/v1/outbox/"+url.PathEscape(entryID), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Incidents lists incidents, newest first.
func (c *Client) Incidents(ctx context.Context, activeOnly bool) ([]store.Incident, error) {
	path := "/v1/incidents"
	if activeOnly {
		path += "?active=true"
	}
	var incs []store.Incident
	_, err := c.do(ctx, http.MethodGet, path, nil, &incs)
	return incs, err
}

// Health asks the gRPC health service about service; "" is the process and
// api.HealthService(id) one account.
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
