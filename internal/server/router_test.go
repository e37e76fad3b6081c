package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cache"
)

func TestRouterSetsRequestID(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/-/stats", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404ForUnknownRoute(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/v2/", nil, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"route_not_found"`)) {
		t.Fatalf("expected route_not_found error, got %s", string(body))
	}
}

func TestEntryLifecycle(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app, http.MethodPut, "/-/entries/pkg", []byte("payload"), map[string]string{metaHeader: "v1"})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201 on first write, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/entries/pkg", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", string(body))
	}
	if meta := resp.Header.Get(metaHeader); meta != "v1" {
		t.Fatalf("unexpected meta header %q", meta)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/entries/pkg?stream=0", nil, nil)
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "v1" {
		t.Fatalf("stream 0 should hold the meta header, got %q", string(body))
	}

	resp = doRequest(t, app, http.MethodPut, "/-/entries/pkg", []byte("v2"), nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 on overwrite, got %d", resp.StatusCode)
	}
	resp = doRequest(t, app, http.MethodGet, "/-/entries/pkg", nil, nil)
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "v2" {
		t.Fatalf("overwrite should truncate, got %q", string(body))
	}

	resp = doRequest(t, app, http.MethodDelete, "/-/entries/pkg", nil, nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", resp.StatusCode)
	}
	resp = doRequest(t, app, http.MethodGet, "/-/entries/pkg", nil, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestReadRejectsBadStream(t *testing.T) {
	app := newTestApp(t)

	for _, query := range []string{"?stream=x", "?stream=3", "?stream=-1"} {
		resp := doRequest(t, app, http.MethodGet, "/-/entries/pkg"+query, nil, nil)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestListAndStats(t *testing.T) {
	app := newTestApp(t)

	for _, key := range []string{"b", "a"} {
		resp := doRequest(t, app, http.MethodPut, "/-/entries/"+key, []byte(key), nil)
		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("put %s: expected 201, got %d", key, resp.StatusCode)
		}
	}

	var listed struct {
		Keys   []string `json:"keys"`
		Cached bool     `json:"cached"`
	}
	decodeJSON(t, doRequest(t, app, http.MethodGet, "/-/entries", nil, nil), &listed)
	if len(listed.Keys) != 2 || listed.Keys[0] != "a" || listed.Keys[1] != "b" {
		t.Fatalf("unexpected keys %v", listed.Keys)
	}
	if listed.Cached {
		t.Fatalf("first listing should not come from memory")
	}
	decodeJSON(t, doRequest(t, app, http.MethodGet, "/-/entries", nil, nil), &listed)
	if !listed.Cached {
		t.Fatalf("second listing should be memoized")
	}

	var stats statsPayload
	decodeJSON(t, doRequest(t, app, http.MethodGet, "/-/stats", nil, nil), &stats)
	if stats.EntryCount != 2 {
		t.Fatalf("expected 2 entries, got %d", stats.EntryCount)
	}
	if stats.MaxSize != 32<<20 {
		t.Fatalf("unexpected max size %d", stats.MaxSize)
	}

	resp := doRequest(t, app, http.MethodDelete, "/-/entries", nil, nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 on doom all, got %d", resp.StatusCode)
	}
	decodeJSON(t, doRequest(t, app, http.MethodGet, "/-/entries", nil, nil), &listed)
	if len(listed.Keys) != 0 || listed.Cached {
		t.Fatalf("doom all should clear and invalidate the listing, got %+v", listed)
	}
}

func TestDoomSinceRejectsBadTimestamp(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app, http.MethodDelete, "/-/entries?since=yesterday", nil, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp = doRequest(t, app, http.MethodDelete, "/-/entries?since="+since, nil, nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Store: &cache.Client{}, ListenPort: 5000}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("missing store should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Store: &cache.Client{}}); err == nil {
		t.Fatalf("missing port should fail")
	}
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := cache.Start(ctx, cache.Options{
		Dir:             t.TempDir(),
		MaxBytes:        32 << 20,
		Optimistic:      true,
		Workers:         2,
		IndexFlushDelay: time.Hour,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to start cache: %v", err)
	}
	t.Cleanup(client.Close)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Store:      client,
		ListenPort: 5000,
		KeysTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://cache.local"+target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}
