package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

func newTestClient(retries int) *Client {
	return NewClient(models.ProviderMpesa, ClientOptions{
		MaxRetries:    retries,
		RetryInterval: time.Millisecond,
		HTTPClient:    &http.Client{},
	})
}

func TestClient_DecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	raw, err := newTestClient(2).Do(context.Background(), Call{
		Operation: "test", Method: http.MethodPost, URL: srv.URL, Token: "tok",
		Body: map[string]string{"a": "b"}, Out: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", out.ID)
	assert.JSONEq(t, `{"id":"abc"}`, string(raw))
}

func TestClient_RetriesServerErrorsThenGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(2).Do(context.Background(), Call{Operation: "test", Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TransientNetworkFailure))
	assert.EqualValues(t, 3, hits.Load())
}

func TestClient_RecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(2).Do(context.Background(), Call{Operation: "test", Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestClient_BusinessRejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`))
	}))
	defer srv.Close()

	raw, err := newTestClient(2).Do(context.Background(), Call{Operation: "test", Method: http.MethodPost, URL: srv.URL, Body: struct{}{}})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.BusinessRejection))
	assert.EqualValues(t, 1, hits.Load())
	assert.Contains(t, string(raw), "Invalid Amount")
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(2).Do(context.Background(), Call{Operation: "test", Method: http.MethodGet, URL: srv.URL})
	assert.True(t, apperr.IsKind(err, apperr.Unauthorized))
	assert.EqualValues(t, 1, hits.Load())
}

func TestClient_CallerTimeoutIsNotARejection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(2).Do(ctx, Call{Operation: "test", Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.False(t, apperr.IsKind(err, apperr.BusinessRejection))
	assert.True(t, apperr.IsKind(err, apperr.Timeout))
}

func TestClient_CustomClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errorCode":"500.001.1001"}`))
	}))
	defer srv.Close()

	c := NewClient(models.ProviderMpesa, ClientOptions{
		HTTPClient: &http.Client{},
		MaxRetries: 2,
		Classify: func(status int, body []byte) error {
			return nil
		},
	})
	var out struct {
		ErrorCode string `json:"errorCode"`
	}
	_, err := c.Do(context.Background(), Call{Operation: "test", Method: http.MethodGet, URL: srv.URL, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, "500.001.1001", out.ErrorCode)
}

func TestClient_UndecodableBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()

	var out map[string]interface{}
	_, err := newTestClient(0).Do(context.Background(), Call{Operation: "test", Method: http.MethodGet, URL: srv.URL, Out: &out})
	assert.True(t, apperr.IsKind(err, apperr.Malformed))
}

func TestRegistry_Capabilities(t *testing.T) {
	r := NewRegistry()
	r.Register(models.ProviderPesapal, struct{}{})

	_, err := r.Charger(models.ProviderPesapal)
	assert.True(t, apperr.IsKind(err, apperr.Invalid))

	_, err = r.Charger(models.ProviderMpesa)
	assert.True(t, apperr.IsKind(err, apperr.Invalid))

	_, ok := r.RefundStatusChecker(models.ProviderPesapal)
	assert.False(t, ok)
	assert.Equal(t, []models.Provider{models.ProviderPesapal}, r.Providers())
}
