package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/perimeter/pkg/api"
	"github.com/cuemby/perimeter/pkg/config"
	"github.com/cuemby/perimeter/pkg/dispatch"
	"github.com/cuemby/perimeter/pkg/engine"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Detector.MinInterval = 0

	e, err := engine.New(context.Background(), cfg, engine.Options{
		Notifiers: []dispatch.Notifier{dispatch.NewLogNotifier("log", zerolog.Nop())},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown() })

	srv := httptest.NewServer(api.NewServer(e, api.Config{}).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", c.baseURL)

	_, err = NewClient("")
	assert.Error(t, err)

	_, err = NewClient("ftp://127.0.0.1")
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)

	res, err := c.ApplyGeofences([]*types.GeofenceDefinition{
		{Code: "HQ", Name: "Headquarters", CenterLat: 25.650648, CenterLon: -100.373529, RadiusM: 100, Active: true},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"HQ"}, res.Created)

	fences, err := c.ListGeofences()
	require.NoError(t, err)
	require.Len(t, fences, 1)

	submitted, err := c.SubmitSample(&types.LocationSample{
		UserID:     "u-1",
		Latitude:   25.650648,
		Longitude:  -100.373529,
		ObservedAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, submitted.Created)

	var events []*types.GeofenceEvent
	require.Eventually(t, func() bool {
		events, err = c.ListEvents(types.EventFilter{UserID: "u-1", Status: types.DeliveryStatusSent})
		return err == nil && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)

	event, err := c.GetEvent(events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EventTypeEnter, event.EventType)

	result, err := c.Redispatch(event.ID)
	require.NoError(t, err)
	assert.True(t, result.AlreadySent)

	stats, err := c.Stats(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EnterEvents)
	assert.Equal(t, 1, stats.UsersInside)

	require.NoError(t, c.InvalidateGeofences())
}

func TestClientErrors(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetEvent("missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.SubmitSample(&types.LocationSample{Latitude: 95, UserID: "u-1", ObservedAt: time.Now()})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "latitude", apiErr.Field)
}
