// Package tracking 异步记录每次提供商运行的用量
// 写入走缓冲通道和批量提交，记录失败只告警不影响主流程
package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"llm-fanout/internal/runner"
)

// Config 使用跟踪配置
type Config struct {
	Enabled       bool           `yaml:"enabled"`
	Database      DatabaseConfig `yaml:"database"`
	BufferSize    int            `yaml:"buffer_size"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	RetentionDays int            `yaml:"retention_days"`
}

// RunRecord 一条待写入的运行记录
type RunRecord struct {
	RunID        string
	Provider     string
	Success      bool
	ErrorCode    string
	Attempts     int
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	CreatedAt    time.Time
}

// ProviderSummary 单个提供商的汇总统计
type ProviderSummary struct {
	Provider      string  `json:"provider"`
	TotalRuns     int64   `json:"total_runs"`
	SuccessRuns   int64   `json:"success_runs"`
	FailedRuns    int64   `json:"failed_runs"`
	TotalAttempts int64   `json:"total_attempts"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// UsageTracker 使用跟踪器
// 禁用时所有方法均为空操作，调用方不需要判空
type UsageTracker struct {
	config  *Config
	adapter DatabaseAdapter
	db      *sql.DB
	logger  *slog.Logger

	recordChan chan RunRecord
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewUsageTracker 创建新的使用跟踪器
func NewUsageTracker(config *Config) (*UsageTracker, error) {
	if config == nil || !config.Enabled {
		return &UsageTracker{config: config}, nil
	}

	// 设置默认值
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 30 * time.Second
	}

	adapter, err := NewDatabaseAdapter(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ut := &UsageTracker{
		config:     config,
		adapter:    adapter,
		db:         adapter.GetDB(),
		logger:     slog.Default(),
		recordChan: make(chan RunRecord, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	ut.wg.Add(1)
	go ut.writeLoop()

	ut.logger.Info("📊 [用量跟踪] 已启动",
		"backend", adapter.GetDatabaseType(),
		"buffer_size", config.BufferSize,
		"batch_size", config.BatchSize)
	return ut, nil
}

// Enabled 跟踪器是否启用
func (ut *UsageTracker) Enabled() bool {
	return ut != nil && ut.adapter != nil
}

// RecordRun 记录一次提供商运行的终态结果，非阻塞
// 实现编排器的Recorder接口
func (ut *UsageTracker) RecordRun(runID string, result runner.Result) {
	if !ut.Enabled() {
		return
	}

	record := RunRecord{
		RunID:        runID,
		Provider:     result.Provider,
		Success:      result.Success,
		Attempts:     result.Attempts,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Duration:     result.Duration,
		CreatedAt:    time.Now(),
	}
	if result.Failure != nil {
		record.ErrorCode = string(result.Failure.Code)
	}

	select {
	case ut.recordChan <- record:
	default:
		// 缓冲区满，丢弃记录而不阻塞调用方
		ut.mu.Lock()
		ut.dropped++
		dropped := ut.dropped
		ut.mu.Unlock()
		ut.logger.Warn("⚠️ [用量跟踪] 缓冲区已满，丢弃记录", "provider", result.Provider, "total_dropped", dropped)
	}
}

// writeLoop 批量写入循环：攒够一批或到达刷新间隔就提交
func (ut *UsageTracker) writeLoop() {
	defer ut.wg.Done()

	batch := make([]RunRecord, 0, ut.config.BatchSize)
	ticker := time.NewTicker(ut.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := ut.writeBatch(batch); err != nil {
			ut.logger.Error("❌ [用量跟踪] 批量写入失败", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case record, ok := <-ut.recordChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= ut.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ut.ctx.Done():
			// 退出前尽量把通道里的剩余记录写完
			for {
				select {
				case record := <-ut.recordChan:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ut *UsageTracker) writeBatch(batch []RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := ut.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_logs
		(run_id, provider, success, error_code, attempts, input_tokens, output_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		success := 0
		if r.Success {
			success = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.RunID, r.Provider, success, r.ErrorCode, r.Attempts,
			r.InputTokens, r.OutputTokens, r.Duration.Milliseconds(),
			r.CreatedAt.Format("2006-01-02 15:04:05.000000"))
		if err != nil {
			return fmt.Errorf("failed to insert run record: %w", err)
		}
	}
	return tx.Commit()
}

// Summary 按提供商聚合的用量汇总
func (ut *UsageTracker) Summary(ctx context.Context) ([]ProviderSummary, error) {
	if !ut.Enabled() {
		return nil, nil
	}

	rows, err := ut.db.QueryContext(ctx, `SELECT
			provider,
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(attempts), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM run_logs GROUP BY provider ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var summaries []ProviderSummary
	for rows.Next() {
		var s ProviderSummary
		if err := rows.Scan(&s.Provider, &s.TotalRuns, &s.SuccessRuns, &s.TotalAttempts,
			&s.InputTokens, &s.OutputTokens, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.FailedRuns = s.TotalRuns - s.SuccessRuns
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// RecentRuns 最近的运行记录，按时间倒序
func (ut *UsageTracker) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if !ut.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := ut.db.QueryContext(ctx, `SELECT
			run_id, provider, success, error_code, attempts,
			input_tokens, output_tokens, duration_ms, created_at
		FROM run_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var success int
		var durationMs int64
		var createdAt string
		if err := rows.Scan(&r.RunID, &r.Provider, &success, &r.ErrorCode, &r.Attempts,
			&r.InputTokens, &r.OutputTokens, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		r.Success = success == 1
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse("2006-01-02 15:04:05.000000", createdAt); err == nil {
			r.CreatedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup 删除超过保留期的记录
func (ut *UsageTracker) Cleanup(ctx context.Context) error {
	if !ut.Enabled() || ut.config.RetentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -ut.config.RetentionDays).Format("2006-01-02 15:04:05.000000")
	result, err := ut.db.ExecContext(ctx, "DELETE FROM run_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old records: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		ut.logger.Info("🧹 [用量跟踪] 清理过期记录", "deleted", affected, "retention_days", ut.config.RetentionDays)
	}
	return nil
}

// HealthCheck 数据库连通性检查
func (ut *UsageTracker) HealthCheck(ctx context.Context) error {
	if !ut.Enabled() {
		return nil
	}
	return ut.adapter.Ping(ctx)
}

// Close 停止跟踪器并关闭数据库
func (ut *UsageTracker) Close() error {
	if !ut.Enabled() {
		return nil
	}

	ut.cancel()
	ut.wg.Wait()
	ut.logger.Info("📊 [用量跟踪] 已停止")
	return ut.adapter.Close()
}
