package web

import (
	"net/http"
	"strconv"
	"time"

	"llm-fanout/internal/utils"

	"github.com/gin-gonic/gin"
)

// handleHealthz 健康检查：进程存活且跟踪数据库可达
func (ws *WebServer) handleHealthz(c *gin.Context) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     utils.FormatDuration(time.Since(ws.startTime)),
		"start_time": ws.startTime.Format("2006-01-02 15:04:05"),
	}

	if ws.usageTracker.Enabled() {
		if err := ws.usageTracker.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["tracking_error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["tracking"] = "ok"
	}

	c.JSON(http.StatusOK, status)
}

// handleStats 事件总线与提供商用量的汇总统计
func (ws *WebServer) handleStats(c *gin.Context) {
	stats := map[string]interface{}{
		"uptime": utils.FormatDuration(time.Since(ws.startTime)),
		"events": ws.eventBus.GetStats(),
	}

	if ws.usageTracker.Enabled() {
		summaries, err := ws.usageTracker.Summary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stats["usage"] = summaries
	}

	c.JSON(http.StatusOK, stats)
}

// handleUsageSummary 按提供商聚合的用量汇总
func (ws *WebServer) handleUsageSummary(c *gin.Context) {
	if !ws.usageTracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "summaries": nil})
		return
	}

	summaries, err := ws.usageTracker.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": true, "summaries": summaries})
}

// handleUsageRecent 最近的运行记录
func (ws *WebServer) handleUsageRecent(c *gin.Context) {
	if !ws.usageTracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "records": nil})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	records, err := ws.usageTracker.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	recordData := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		recordData = append(recordData, map[string]interface{}{
			"run_id":        r.RunID,
			"provider":      r.Provider,
			"success":       r.Success,
			"error_code":    r.ErrorCode,
			"attempts":      r.Attempts,
			"input_tokens":  r.InputTokens,
			"output_tokens": r.OutputTokens,
			"duration":      utils.FormatDuration(r.Duration),
			"created_at":    r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	c.JSON(http.StatusOK, gin.H{"enabled": true, "records": recordData, "total": len(recordData)})
}
