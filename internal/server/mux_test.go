package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexjbarnes/matrix-sync/internal/auth"
	"github.com/alexjbarnes/matrix-sync/internal/config"
)

const testKey = "ms_0123456789abcdef0123456789abcdef"

func testMux(feed http.Handler) *http.ServeMux {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	return NewMux(MuxConfig{
		Keys:        auth.NewKeys([]config.APIKeyEntry{{Name: "test", Key: testKey}}),
		MCPHandler:  ok,
		FeedHandler: feed,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func do(mux *http.ServeMux, path, key string) int {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec.Code
}

func TestNewMux_ProtectsEndpoints(t *testing.T) {
	mux := testMux(nil)

	assert.Equal(t, http.StatusUnauthorized, do(mux, "/mcp", ""))
	assert.Equal(t, http.StatusTeapot, do(mux, "/mcp", testKey))
	assert.Equal(t, http.StatusOK, do(mux, "/healthz", ""))
}

func TestNewMux_FeedOptional(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(testMux(nil), "/feed", testKey))

	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	assert.Equal(t, http.StatusAccepted, do(testMux(feed), "/feed", testKey))
}
