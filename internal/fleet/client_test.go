package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"appfleet/internal/store"

	"github.com/goccy/go-json"
	"github.com/h2non/gock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiURL = "https://fleet.test/api"

func newClient(t *testing.T, base string, opts Options) *Client {
	t.Helper()
	opts.SyncRetryInitial = time.Millisecond
	c, err := New(base, "kiosk-1", "device-token", opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New("ftp://fleet.test", "kiosk-1", "", Options{}, nil)
	assert.Error(t, err)

	_, err = New(apiURL, "", "", Options{}, nil)
	assert.Error(t, err)
}

func TestSync(t *testing.T) {
	defer gock.Off()

	reachable := 0
	c := newClient(t, apiURL, Options{OnReachable: func() { reachable++ }})

	gock.New(apiURL).
		Post("/v1/devices/kiosk-1/sync").
		MatchHeader("Authorization", "Bearer device-token").
		JSON(map[string]any{
			"installed": []map[string]any{{"package_name": "com.kiosk.menu", "version_code": 3}},
		}).
		Reply(200).
		JSON(map[string]any{
			"updates": []map[string]any{{
				"app_id":          "menu",
				"package_name":    "com.kiosk.menu",
				"display_name":    "Menu",
				"version_name":    "1.4",
				"version_code":    4,
				"file_ref":        "/files/menu-4.pkg",
				"sha256":          "abc",
				"file_size_bytes": 1024,
				"auto_update":     true,
			}},
			"settings": map[string]any{"sync_interval_seconds": 600, "auto_update_disabled": true},
		})

	cat, err := c.Sync(context.Background(), map[string]int64{"com.kiosk.menu": 3, "com.kiosk.gone": -1})
	require.NoError(t, err)
	require.Len(t, cat.Releases, 1)
	assert.Equal(t, int64(4), cat.Releases[0].VersionCode)
	assert.True(t, cat.Releases[0].AutoUpdate)
	assert.Equal(t, 10*time.Minute, cat.Settings.SyncInterval)
	assert.True(t, cat.Settings.AutoUpdateDisabled)
	assert.Equal(t, 1, reachable)
	assert.True(t, gock.IsDone())
}

func TestSync_RetriesServerErrors(t *testing.T) {
	defer gock.Off()
	c := newClient(t, apiURL, Options{})

	gock.New(apiURL).Post("/v1/devices/kiosk-1/sync").Reply(503)
	gock.New(apiURL).Post("/v1/devices/kiosk-1/sync").ReplyError(errors.New("connection reset"))
	gock.New(apiURL).Post("/v1/devices/kiosk-1/sync").Reply(200).JSON(map[string]any{"updates": []any{}})

	cat, err := c.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, cat.Releases)
	assert.True(t, gock.IsDone())
}

func TestSync_ClientErrorIsNotRetried(t *testing.T) {
	defer gock.Off()
	c := newClient(t, apiURL, Options{})

	gock.New(apiURL).Post("/v1/devices/kiosk-1/sync").Reply(401).BodyString("unknown device")

	_, err := c.Sync(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 401, se.StatusCode)
	assert.True(t, se.Rejected())
	assert.Equal(t, "unknown device", se.Message)
}

func TestSync_GivesUp(t *testing.T) {
	defer gock.Off()
	reachable := false
	c := newClient(t, apiURL, Options{SyncRetries: 2, OnReachable: func() { reachable = true }})

	gock.New(apiURL).Post("/v1/devices/kiosk-1/sync").Times(3).Reply(502)

	_, err := c.Sync(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Rejected())
	assert.False(t, reachable)
}

func TestSendEvent(t *testing.T) {
	var got store.OutboundEvent
	var encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		encoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(zr).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reachable := 0
	c := newClient(t, srv.URL, Options{OnReachable: func() { reachable++ }})
	ev := store.OutboundEvent{
		ID:          "00000000deadbeef",
		DeviceID:    "kiosk-1",
		EventType:   store.EventResult,
		JobID:       "job-1",
		PackageName: "com.kiosk.menu",
		Status:      "SUCCEEDED",
		Metadata:    map[string]string{"attempt": "0"},
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, c.SendEvent(context.Background(), ev))
	assert.Equal(t, "gzip", encoding)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Status, got.Status)
	assert.Equal(t, "0", got.Metadata["attempt"])
	assert.Equal(t, 1, reachable, "a delivered event counts as network activity")
}

func TestSendEvent_Statuses(t *testing.T) {
	tests := []struct {
		status   int
		wantErr  bool
		rejected bool
	}{
		{http.StatusCreated, false, false},
		{http.StatusConflict, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newClient(t, srv.URL, Options{}).SendEvent(context.Background(), store.OutboundEvent{ID: "x"})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.rejected, se.Rejected())
		})
	}
}

func TestResolveURL(t *testing.T) {
	c := newClient(t, apiURL, Options{})

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"https://cdn.test/menu.pkg", "https://cdn.test/menu.pkg", false},
		{"files/menu.pkg", "https://fleet.test/api/files/menu.pkg", false},
		{"/files/menu.pkg", "https://fleet.test/files/menu.pkg", false},
		{"ftp://cdn.test/menu.pkg", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := c.ResolveURL(tt.ref)
		if tt.wantErr {
			assert.Error(t, err, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got)
	}
}
