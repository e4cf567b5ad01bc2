package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/terminals/register/", r.URL.Path)

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "09120000000", req.Phone)
		assert.Equal(t, "secret", req.Password)
		assert.NotEmpty(t, req.DeviceID)

		json.NewEncoder(w).Encode(RegisterResponse{
			TerminalID:   "term-42",
			AuthToken:    "tok-abc",
			ShopID:       "shop-7",
			ShopName:     "Main Street",
			TerminalName: "Front Desk",
			Queue:        "terminal_term-42",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Register(context.Background(), RegisterRequest{
		Phone:      "09120000000",
		Password:   "secret",
		DeviceID:   "dev-1",
		DeviceName: "RFID Terminal",
	})
	require.NoError(t, err)
	assert.Equal(t, "term-42", resp.TerminalID)
	assert.Equal(t, "tok-abc", resp.AuthToken)
	assert.Equal(t, "terminal_term-42", resp.Queue)
}

func TestRegisterSurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Register(context.Background(), RegisterRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestRegisterRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"terminal_id": "term-1"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Register(context.Background(), RegisterRequest{})
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/terminals/heartbeat/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Heartbeat(context.Background(), "term-42", "tok-abc"))
	assert.Equal(t, "term-42", got["terminal_id"])
	assert.Equal(t, "tok-abc", got["auth_token"])
}

func TestFetchConfigSendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/terminals/config/", r.URL.Path)
		assert.Equal(t, "Token tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "term-42", r.Header.Get("X-Terminal-ID"))
		json.NewEncoder(w).Encode(RemoteConfig{BrokerHost: "broker.local", BrokerPort: 1883})
	}))
	defer srv.Close()

	cfg, err := New(srv.URL).FetchConfig(context.Background(), "term-42", "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.BrokerHost)
	assert.Equal(t, 1883, cfg.BrokerPort)
}

func TestFetchConfigRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(RemoteConfig{BrokerHost: "broker.local"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.retryDelay = time.Millisecond

	cfg, err := c.FetchConfig(context.Background(), "term-42", "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.BrokerHost)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchConfigGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.retryDelay = time.Millisecond

	_, err := c.FetchConfig(context.Background(), "term-42", "tok-abc")
	assert.Error(t, err)
}
