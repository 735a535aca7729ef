package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "13.5853", r.URL.Query().Get("lat"))
		assert.Equal(t, "124.2075", r.URL.Query().Get("lon"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"display_name":"Virac, Catanduanes, Philippines"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	address, err := client.Reverse(context.Background(), 13.5853, 124.2075)
	require.NoError(t, err)
	assert.Equal(t, "Virac, Catanduanes, Philippines", address)
}

func TestReverseUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Reverse(context.Background(), 13.5853, 124.2075)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}

func TestNewClientDefaultsBaseURL(t *testing.T) {
	client := NewClient("")
	assert.Equal(t, DefaultBaseURL, client.baseURL)
}
