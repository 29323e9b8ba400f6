package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/job"
	"github.com/coderunr/coderunner/internal/middleware"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	codes  []string
	result *job.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, code string) (*job.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return f.result, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

type fakeVersions struct{}

func (fakeVersions) Info() types.VersionInfo {
	return types.VersionInfo{Message: "CodeRunr v1.0.0-go", Runtime: "deno", RuntimeVersion: "1.32.3"}
}

type fakeHistory struct {
	limit   int
	records []types.HistoryRecord
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]types.HistoryRecord, error) {
	f.limit = limit
	return f.records, nil
}

func newTestHandler(runner Runner, secret string, opts ...Option) *Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewHandler(runner, fakeVersions{}, auth.NewVerifier(secret), 16, logger, opts...)
}

// scriptRoute mounts ExecuteScript behind the same middleware as the server
func scriptRoute(h *Handler) http.Handler {
	return middleware.RequireSignature(middleware.BodyLimit(h.sizeLimit)(http.HandlerFunc(h.ExecuteScript)))
}

func postScript(handler http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/script", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(auth.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Status
}

func TestExecuteScriptSuccess(t *testing.T) {
	runner := &fakeRunner{result: &job.Result{
		Outcome: types.OutcomeCompleted,
		Stdout:  "hi\n",
		Process: types.ProcessStatus{Success: true},
	}}
	h := newTestHandler(runner, "")

	rec := postScript(scriptRoute(h), "console.log(1)", "sig")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp types.ScriptResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi\n", resp.Stdout)
	assert.Equal(t, "", resp.Stderr)
	assert.Equal(t, types.StatusOK, resp.Status)
	assert.True(t, resp.Debug.Success)
	assert.Equal(t, []string{"console.log(1)"}, runner.codes)
}

func TestExecuteScriptOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome types.Outcome
		status  string
		code    int
	}{
		{"non-zero exit", types.OutcomeFailed, types.StatusNonZero, http.StatusBadRequest},
		{"timeout", types.OutcomeKilled, types.StatusTimedOut, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: &job.Result{Outcome: tt.outcome}}
			rec := postScript(scriptRoute(newTestHandler(runner, "")), "x", "sig")

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.status, decodeStatus(t, rec))
		})
	}
}

func TestExecuteScriptMissingSignature(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, "")

	// Oversized as well: the signature check comes first
	rec := postScript(scriptRoute(h), strings.Repeat("a", 100), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid signature", decodeStatus(t, rec))
	assert.Equal(t, 0, runner.calls())
}

func TestExecuteScriptTooLarge(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, "")

	rec := postScript(scriptRoute(h), strings.Repeat("a", 17), "sig")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "code too large", decodeStatus(t, rec))

	// An announced Content-Length is rejected before reading
	req := httptest.NewRequest(http.MethodPost, "/script", strings.NewReader(strings.Repeat("a", 17)))
	req.Header.Set("Content-Length", "17")
	req.Header.Set(auth.SignatureHeader, "sig")
	rec = httptest.NewRecorder()
	scriptRoute(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Exactly at the limit is accepted
	runner.result = &job.Result{Outcome: types.OutcomeCompleted}
	rec = postScript(scriptRoute(h), strings.Repeat("a", 16), "sig")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.calls())
}

func TestExecuteScriptVerifiesHMAC(t *testing.T) {
	runner := &fakeRunner{result: &job.Result{Outcome: types.OutcomeCompleted}}
	h := newTestHandler(runner, "s3cret")
	body := "console.log(1)"

	rec := postScript(scriptRoute(h), body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid signature", decodeStatus(t, rec))
	assert.Equal(t, 0, runner.calls())

	rec = postScript(scriptRoute(h), body, auth.SignatureFor("s3cret", []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.calls())
}

func TestExecuteScriptRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("launcher exploded")}
	rec := postScript(scriptRoute(newTestHandler(runner, "")), "x", "sig")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestGetVersion(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, "")
	rec := httptest.NewRecorder()
	h.GetVersion(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var info types.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "CodeRunr v1.0.0-go", info.Message)
	assert.Equal(t, "deno", info.Runtime)
}

func TestGetHistory(t *testing.T) {
	history := &fakeHistory{records: []types.HistoryRecord{{ScriptID: "a", Status: types.StatusOK}}}
	h := newTestHandler(&fakeRunner{}, "", WithHistory(history))

	req := httptest.NewRequest(http.MethodGet, "/history?limit=5", nil)
	req.Header.Set(auth.SignatureHeader, "sig")
	rec := httptest.NewRecorder()
	h.GetHistory(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)
	var records []types.HistoryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ScriptID)

	req = httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil)
	req.Header.Set(auth.SignatureHeader, "sig")
	rec = httptest.NewRecorder()
	h.GetHistory(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.GetHistory(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetHistoryDisabled(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, "")
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set(auth.SignatureHeader, "sig")
	rec := httptest.NewRecorder()
	h.GetHistory(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "history disabled", decodeStatus(t, rec))
}

func TestNotFound(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, "")
	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "hm, unknown route", rec.Body.String())
}

func dialSession(t *testing.T, h *Handler, signature string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(middleware.RequireSignature(http.HandlerFunc(h.HandleWebSocket)))
	t.Cleanup(server.Close)

	header := http.Header{}
	header.Set(auth.SignatureHeader, signature)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketRun(t *testing.T) {
	runner := &fakeRunner{result: &job.Result{
		Outcome: types.OutcomeFailed,
		Stdout:  "out",
		Stderr:  "err",
		Process: types.ProcessStatus{Code: 1},
	}}
	conn := dialSession(t, newTestHandler(runner, ""), "sig")

	require.NoError(t, conn.WriteJSON(types.WebSocketMessage{Type: "run", Data: "throw 1"}))

	var msg types.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "data", msg.Type)
	assert.Equal(t, "stdout", msg.Stream)
	assert.Equal(t, "out", msg.Data)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "stderr", msg.Stream)
	assert.Equal(t, "err", msg.Data)

	msg = types.WebSocketMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "exit", msg.Type)
	assert.Equal(t, types.StatusNonZero, msg.Status)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, []string{"throw 1"}, runner.codes)
}

func TestWebSocketRejections(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		msg       types.WebSocketMessage
		wantError string
		wantClose int
	}{
		{"unknown type", "", types.WebSocketMessage{Type: "init"}, "Unknown message type: init", closeBadMessage},
		{"too large", "", types.WebSocketMessage{Type: "run", Data: strings.Repeat("a", 17)}, "code too large", closeTooLarge},
		{"bad signature", "s3cret", types.WebSocketMessage{Type: "run", Data: "x"}, "invalid signature", closeBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			conn := dialSession(t, newTestHandler(runner, tt.secret), "sig")
			require.NoError(t, conn.WriteJSON(tt.msg))

			var msg types.WebSocketMessage
			require.NoError(t, conn.ReadJSON(&msg))
			assert.Equal(t, "error", msg.Type)
			assert.Equal(t, tt.wantError, msg.Error)

			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, tt.wantClose), "got %v", err)
			assert.Equal(t, 0, runner.calls())
		})
	}
}

func TestWebSocketRequiresSignature(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, "")
	server := httptest.NewServer(middleware.RequireSignature(http.HandlerFunc(h.HandleWebSocket)))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
