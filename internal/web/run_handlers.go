package web

import (
	"fmt"
	"net/http"

	"llm-fanout/internal/runner"
	"llm-fanout/internal/utils"

	"github.com/gin-gonic/gin"
)

// runRequest 发起一次运行的请求体
type runRequest struct {
	Prompt    string   `json:"prompt" binding:"required"`
	Providers []string `json:"providers" binding:"required,min=1"`
}

// handleRun 发起一次运行：同一提示词并发分发给所有指定提供商
// 阻塞直到全部任务到达终态；运行期进度通过 /v1/events 的SSE推送
func (ws *WebServer) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	ws.runMu.Lock()
	if ws.runActive {
		ws.runMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	ws.runActive = true
	ws.runMu.Unlock()

	defer func() {
		ws.runMu.Lock()
		ws.runActive = false
		ws.runMu.Unlock()
	}()

	results, err := ws.orchestrator.Run(c.Request.Context(), req.Prompt, req.Providers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":  ws.orchestrator.RunID(),
		"results": resultsJSON(results),
	})
}

// handleRetry 手动重试一个失败的提供商任务
// 幂等：任务不处于失败态或重试已在进行时返回当前结果
func (ws *WebServer) handleRetry(c *gin.Context) {
	providerID := c.Param("provider")

	result, err := ws.orchestrator.Retry(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("provider %q has no result yet", providerID)})
		return
	}

	c.JSON(http.StatusOK, resultJSON(*result))
}

// handleResults 返回当前运行的结果快照
func (ws *WebServer) handleResults(c *gin.Context) {
	results := ws.orchestrator.Results()
	states := ws.orchestrator.States()

	stateData := make(map[string]string, len(states))
	for name, state := range states {
		stateData[name] = string(state)
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":  ws.orchestrator.RunID(),
		"results": resultsJSON(results),
		"states":  stateData,
	})
}

func resultsJSON(results []runner.Result) []map[string]interface{} {
	data := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		data = append(data, resultJSON(r))
	}
	return data
}

func resultJSON(r runner.Result) map[string]interface{} {
	data := map[string]interface{}{
		"provider":      r.Provider,
		"success":       r.Success,
		"text":          r.Text,
		"input_tokens":  r.InputTokens,
		"output_tokens": r.OutputTokens,
		"attempts":      r.Attempts,
		"duration":      utils.FormatDuration(r.Duration),
	}
	if r.Failure != nil {
		data["error_code"] = string(r.Failure.Code)
		data["severity"] = r.Failure.Severity.String()
	}
	return data
}
