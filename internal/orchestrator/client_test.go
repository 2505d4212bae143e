package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, 5*time.Second, &fakeCredSource{has: true}, logger.NewNop())
	return client, srv
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, client.Heartbeat(context.Background()))
	assert.Equal(t, "Bearer test-credential", gotAuth)
}

func TestClientWithoutCredential(t *testing.T) {
	client := NewClient("http://unused", time.Second, &fakeCredSource{has: false}, logger.NewNop())

	err := client.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCredentialUnavailable, apperrors.AsAppError(err).Code)
}

func TestHandshakeParsesResult(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/machines/connect", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"backendUrl":"http://backend:9000","pushUrl":"ws://backend:9000/push","machineName":"agent-1"}`))
	}))

	hs, err := client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9000", hs.BackendURL)
	assert.Equal(t, "ws://backend:9000/push", hs.PushURL)
	assert.Equal(t, "agent-1", hs.MachineName)
}

func TestClientMapsUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.AsAppError(err).Code)
}

func TestFetchAssetNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.FetchAsset(context.Background(), "missing")
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
}

func TestFetchAssetReturnsValue(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/assets/deploy-key", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"deploy-key","value":"key-material"}`))
	}))

	v, err := client.FetchAsset(context.Background(), "deploy-key")
	require.NoError(t, err)
	assert.Equal(t, "key-material", v)
}

func TestListAssetKeys(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/assets", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":["a","b"]}`))
	}))

	keys, err := client.ListAssetKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestSetBaseURLRedirectsRequests(t *testing.T) {
	var hits int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	client := NewClient("http://original.invalid", 5*time.Second, &fakeCredSource{has: true}, logger.NewNop())
	client.SetBaseURL(backend.URL)

	require.NoError(t, client.Heartbeat(context.Background()))
	assert.Equal(t, 1, hits)
}
