package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/perimeter/pkg/api"
	"github.com/cuemby/perimeter/pkg/engine"
	"github.com/cuemby/perimeter/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the engine
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Field, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client wraps the engine HTTP API for CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at addr ("host:port" or a URL)
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("api address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid api address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// SubmitSample submits one location sample
func (c *Client) SubmitSample(sample *types.LocationSample) (*engine.SubmitResult, error) {
	var res engine.SubmitResult
	if err := c.do(http.MethodPost, "/v1/samples", nil, sample, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListGeofences lists the stored geofences
func (c *Client) ListGeofences() ([]*types.GeofenceDefinition, error) {
	var fences []*types.GeofenceDefinition
	if err := c.do(http.MethodGet, "/v1/geofences", nil, nil, &fences); err != nil {
		return nil, err
	}
	return fences, nil
}

// ApplyGeofences replaces the given geofences, deleting the rest when prune is set
func (c *Client) ApplyGeofences(fences []*types.GeofenceDefinition, prune bool) (*engine.ApplyResult, error) {
	var res engine.ApplyResult
	req := api.ApplyRequest{Prune: prune, Geofences: fences}
	if err := c.do(http.MethodPut, "/v1/geofences", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// InvalidateGeofences drops the engine's cached geofence set
func (c *Client) InvalidateGeofences() error {
	return c.do(http.MethodPost, "/v1/geofences/invalidate", nil, nil, nil)
}

// Stats returns counts over window; zero uses the server default
func (c *Client) Stats(window time.Duration) (*types.Stats, error) {
	query := url.Values{}
	if window > 0 {
		query.Set("window", window.String())
	}
	var stats types.Stats
	if err := c.do(http.MethodGet, "/v1/stats", query, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListEvents lists events matching filter
func (c *Client) ListEvents(filter types.EventFilter) ([]*types.GeofenceEvent, error) {
	query := url.Values{}
	if filter.UserID != "" {
		query.Set("user_id", filter.UserID)
	}
	if filter.GeofenceCode != "" {
		query.Set("geofence_code", filter.GeofenceCode)
	}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	var events []*types.GeofenceEvent
	if err := c.do(http.MethodGet, "/v1/events", query, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetEvent gets an event by ID
func (c *Client) GetEvent(id string) (*types.GeofenceEvent, error) {
	var event types.GeofenceEvent
	if err := c.do(http.MethodGet, "/v1/events/"+url.PathEscape(id), nil, nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Redispatch delivers an event again
func (c *Client) Redispatch(id string) (*types.DispatchResult, error) {
	var result types.DispatchResult
	if err := c.do(http.MethodPost, "/v1/events/"+url.PathEscape(id)+"/redispatch", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(method, path string, query url.Values, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Field = errResp.Field
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CheckGRPCHealth queries the gRPC health service at addr. An empty service
// checks the overall status.
func CheckGRPCHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
