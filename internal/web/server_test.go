package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"llm-fanout/config"
	"llm-fanout/internal/classify"
	"llm-fanout/internal/events"
	"llm-fanout/internal/orchestrator"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/tracking"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAdapter 前failures次调用失败，之后成功
type flakyAdapter struct {
	name     string
	failures int
	err      error

	mu    sync.Mutex
	calls int
}

func (a *flakyAdapter) Name() string { return a.name }

func (a *flakyAdapter) Stream(ctx context.Context, req provider.Request, emit provider.EmitFunc) (*provider.Usage, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()

	if call <= a.failures {
		return nil, a.err
	}
	emit("来自" + a.name + "的回复")
	return &provider.Usage{InputTokens: 5, OutputTokens: 9}, nil
}

func newTestServer(t *testing.T, adapters ...provider.Adapter) *WebServer {
	t.Helper()

	registry := provider.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewEventBus(logger)
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	tracker, err := tracking.NewUsageTracker(&tracking.Config{Enabled: false})
	require.NoError(t, err)

	policies := retry.PolicySet{
		Default:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		RateLimit: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
	orch := orchestrator.New(registry, orchestrator.Options{
		Policies: policies,
		Throttle: retry.NewThrottleController(),
		Bus:      bus,
		Recorder: tracker,
	})

	cfg := &config.Config{Web: config.WebConfig{Enabled: true, Host: "localhost", Port: 0}}
	return NewWebServer(cfg, orch, bus, tracker, logger, time.Now())
}

func doJSON(t *testing.T, ws *WebServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	ws.engine.ServeHTTP(recorder, req)
	return recorder
}

func TestHandleRun_Success(t *testing.T) {
	ws := newTestServer(t,
		&flakyAdapter{name: "alpha"},
		&flakyAdapter{name: "beta"},
	)

	recorder := doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "写一首诗",
		"providers": []string{"alpha", "beta"},
	})

	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		RunID   string                   `json:"run_id"`
		Results []map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	require.Len(t, resp.Results, 2, "N个提供商应产出N份结果")
	assert.Equal(t, true, resp.Results[0]["success"])
	assert.Equal(t, "来自alpha的回复", resp.Results[0]["text"])
}

func TestHandleRun_InvalidBody(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	recorder := doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"providers": []string{"alpha"},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "缺少prompt应返回400")

	recorder = doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "你好",
		"providers": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "空提供商列表应返回400")
}

func TestHandleRun_UnknownProviderStillProducesResult(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	recorder := doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "你好",
		"providers": []string{"alpha", "ghost"},
	})

	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		Results []map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, false, resp.Results[1]["success"])
	assert.Equal(t, string(classify.CodeNotFound), resp.Results[1]["error_code"])
}

func TestHandleRetry_AfterFailedRun(t *testing.T) {
	failing := &flakyAdapter{
		name:     "beta",
		failures: 1, // 认证错误不可自动重试，首次运行直接失败
		err: &classify.StatusError{
			Provider:   "beta",
			StatusCode: 401,
			Type:       "authentication_error",
			Message:    "invalid api key",
		},
	}
	ws := newTestServer(t, failing)

	recorder := doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "你好",
		"providers": []string{"beta"},
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	// 手动重试后成功
	recorder = doJSON(t, ws, http.MethodPost, "/v1/retry/beta", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "来自beta的回复", result["text"])
}

func TestHandleRetry_UnknownProvider(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	recorder := doJSON(t, ws, http.MethodPost, "/v1/retry/ghost", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandleResults_Snapshot(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "你好",
		"providers": []string{"alpha"},
	})

	recorder := doJSON(t, ws, http.MethodGet, "/v1/results", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		RunID   string                   `json:"run_id"`
		Results []map[string]interface{} `json:"results"`
		States  map[string]string        `json:"states"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "succeeded", resp.States["alpha"])
}

func TestHandleHealthz(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	recorder := doJSON(t, ws, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
}

func TestHandleStats(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	doJSON(t, ws, http.MethodPost, "/v1/runs", map[string]any{
		"prompt":    "你好",
		"providers": []string{"alpha"},
	})

	recorder := doJSON(t, ws, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
	assert.Contains(t, stats, "events")
	assert.Contains(t, stats, "uptime")
}

func TestHandleUsage_DisabledTracker(t *testing.T) {
	ws := newTestServer(t, &flakyAdapter{name: "alpha"})

	recorder := doJSON(t, ws, http.MethodGet, "/v1/usage/summary", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["enabled"])
}

func TestSendSSEEvent_Format(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	err := sendSSEEvent(c, "task_streaming", map[string]interface{}{"provider": "alpha"})
	require.NoError(t, err)

	body := recorder.Body.String()
	assert.Contains(t, body, "event: task_streaming\n")
	assert.Contains(t, body, `data: {"provider":"alpha"}`)
	assert.True(t, recorder.Flushed, "SSE事件写出后应立即刷新")
}
