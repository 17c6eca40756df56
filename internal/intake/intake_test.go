package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/szibis/membrane-bridge/internal/auth"
	"github.com/szibis/membrane-bridge/internal/compression"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/mapping"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []mapping.Event
}

func (h *recordingHandler) HandleEvent(ev mapping.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	_, ok := mapping.Map(ev, mapping.SensitivityLow, time.Now())
	return ok
}

func (h *recordingHandler) received() []mapping.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]mapping.Event(nil), h.events...)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	s, err := New(cfg, h, logging.New(&bytes.Buffer{}))
	require.NoError(t, err)
	return s, h
}

func post(t *testing.T, h http.Handler, path, body string, headers ...string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandleEvent_Accepted(t *testing.T) {
	s, h := newTestServer(t, Config{})

	rec, resp := post(t, s.Handler(), "/v1/events",
		`{"type":"message_received","payload":{"content":"hi"},"context":{"channelType":"dm","isPrivate":true}}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Accepted)

	events := h.received()
	require.Len(t, events, 1)
	assert.Equal(t, "message_received", events[0].Type)
	assert.Equal(t, "hi", events[0].Payload["content"])
	require.NotNil(t, events[0].Context)
	assert.Equal(t, "dm", events[0].Context.ChannelType)
	assert.True(t, events[0].Context.IsPrivate)
}

func TestHandleEvent_DataAlias(t *testing.T) {
	s, h := newTestServer(t, Config{})

	rec, _ := post(t, s.Handler(), "/v1/events", `{"type":"fact_extracted","data":{"subject":"sky"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	events := h.received()
	require.Len(t, events, 1)
	assert.Equal(t, "sky", events[0].Payload["subject"])
}

func TestHandleEvent_UnmappedType(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	before := testutil.ToFloat64(intakeEventsTotal.WithLabelValues("ignored"))

	rec, resp := post(t, s.Handler(), "/v1/events", `{"type":"message_sending","payload":{}}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, resp.Accepted)
	assert.Equal(t, before+1, testutil.ToFloat64(intakeEventsTotal.WithLabelValues("ignored")))
}

func TestHandleEvent_BadRequests(t *testing.T) {
	s, h := newTestServer(t, Config{MaxBodySize: 64})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"type":`, http.StatusBadRequest},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest},
		{"wrong shape", `{"type":"message_sent","payload":"text"}`, http.StatusBadRequest},
		{"too large", `{"type":"message_sent","payload":{"content":"` + strings.Repeat("x", 100) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, s.Handler(), "/v1/events", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.False(t, resp.Accepted)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Empty(t, h.received())
}

func TestHandleEvent_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandleEvent_CustomPath(t *testing.T) {
	s, h := newTestServer(t, Config{Path: "/hooks"})

	rec, _ := post(t, s.Handler(), "/v1/events", `{"type":"message_sent"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = post(t, s.Handler(), "/hooks", `{"type":"message_sent"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, h.received(), 1)
}

func TestHandleEvent_Auth(t *testing.T) {
	s, h := newTestServer(t, Config{Auth: auth.ServerConfig{Enabled: true, BearerToken: "tok"}})
	body := `{"type":"session_start"}`

	rec, _ := post(t, s.Handler(), "/v1/events", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = post(t, s.Handler(), "/v1/events", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp := post(t, s.Handler(), "/v1/events", body, "Authorization", "Bearer tok")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Accepted)
	assert.Len(t, h.received(), 1)
}

func TestNew_InvalidTLS(t *testing.T) {
	_, err := New(Config{}, &recordingHandler{}, nil)
	require.NoError(t, err)

	cfg := Config{}
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = "/nonexistent/cert.pem"
	cfg.TLS.KeyFile = "/nonexistent/key.pem"
	_, err = New(cfg, &recordingHandler{}, nil)
	assert.Error(t, err)
}

func TestServeAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, h := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Post("http://"+ln.Addr().String()+"/v1/events", "application/json",
		strings.NewReader(`{"type":"message_sent","payload":{"content":"ok"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, h.received(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-errCh)
}

func TestHandleEvent_CompressedBody(t *testing.T) {
	s, h := newTestServer(t, Config{})
	body := []byte(`{"type":"message_sent","payload":{"content":"compressed"}}`)

	for _, typ := range []compression.Type{compression.TypeGzip, compression.TypeZstd, compression.TypeSnappy} {
		t.Run(string(typ), func(t *testing.T) {
			data, err := compression.Compress(body, typ)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(data))
			req.Header.Set("Content-Encoding", string(typ))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		})
	}

	events := h.received()
	require.Len(t, events, 3)
	assert.Equal(t, "compressed", events[2].Payload["content"])
}

func TestHandleEvent_CompressionErrors(t *testing.T) {
	s, _ := newTestServer(t, Config{MaxBodySize: 128})

	bomb, err := compression.Compress([]byte(`{"type":"message_sent","payload":{"content":"`+strings.Repeat("x", 4096)+`"}}`), compression.TypeGzip)
	require.NoError(t, err)

	tests := []struct {
		name     string
		encoding string
		body     []byte
		code     int
	}{
		{"unsupported", "br", []byte("{}"), http.StatusUnsupportedMediaType},
		{"corrupt gzip", "gzip", []byte("not gzip"), http.StatusBadRequest},
		{"decoded too large", "gzip", bomb, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(tt.body))
			req.Header.Set("Content-Encoding", tt.encoding)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
