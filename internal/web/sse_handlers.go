package web

import (
	"encoding/json"
	"fmt"
	"time"

	"llm-fanout/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleSSE处理Server-Sent Events连接
// 订阅事件总线并把任务生命周期事件转发给客户端
func (ws *WebServer) handleSSE(c *gin.Context) {
	// 设置SSE标准响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Transfer-Encoding", "identity") // 禁用分块编码

	// 立即刷新以建立连接
	c.Writer.Flush()

	// 获取客户端ID，如果没有则生成一个
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	subscriberName := "web-" + clientID

	ws.logger.Debug("SSE客户端连接", "client_id", clientID)

	eventChan := ws.eventBus.Subscribe(subscriberName)
	defer ws.eventBus.Unsubscribe(subscriberName)

	ctx := c.Request.Context()

	// 发送初始连接确认
	if err := sendSSEEvent(c, "connection", map[string]interface{}{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	}); err != nil {
		ws.logger.Debug("发送连接确认失败", "client_id", clientID, "error", err)
		return
	}

	// 心跳保活，同时探测断开的客户端
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				// 总线已停止
				ws.logger.Debug("SSE事件通道关闭", "client_id", clientID)
				return
			}
			if err := sendSSEEvent(c, string(event.Type), map[string]interface{}{
				"category":  events.EventTypeMapping[event.Type],
				"source":    event.Source,
				"timestamp": event.Timestamp.Format("2006-01-02 15:04:05.000"),
				"data":      event.Data,
			}); err != nil {
				ws.logger.Debug("SSE事件推送失败", "client_id", clientID, "error", err)
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(c, "heartbeat", map[string]interface{}{
				"timestamp": time.Now().Format("2006-01-02 15:04:05"),
			}); err != nil {
				return
			}

		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}

// sendSSEEvent 按SSE格式写出一个事件并立即刷新
func sendSSEEvent(c *gin.Context, eventType string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal sse payload: %w", err)
	}

	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
