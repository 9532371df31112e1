package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Retry         RetryConfig         `yaml:"retry"`
	Throttle      ThrottleConfig      `yaml:"throttle"`
	Logging       LoggingConfig       `yaml:"logging"`
	Estimator     EstimatorConfig     `yaml:"estimator"`
	UsageTracking UsageTrackingConfig `yaml:"usage_tracking"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	TUI           TUIConfig           `yaml:"tui"`
	Web           WebConfig           `yaml:"web"`
	GlobalTimeout time.Duration       `yaml:"global_timeout"` // 单个提供商任务的墙钟超时
	Providers     []ProviderConfig    `yaml:"providers"`
}

// RetryPolicyConfig 一条退避策略
type RetryPolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"` // 抖动比例，0.2表示±20%
}

type RetryConfig struct {
	RetryPolicyConfig `yaml:",inline"`

	// 限流族（RATE_LIMIT/THROTTLE_REQUEST）的独立策略，缺省沿用默认策略
	RateLimit *RetryPolicyConfig `yaml:"rate_limit,omitempty"`
}

// ThrottleConfig 自适应限速配置
type ThrottleConfig struct {
	Slots    int           `yaml:"slots"`    // 每个提供商的并发槽位数, default: 4
	Factor   float64       `yaml:"factor"`   // 降速期保留的容量比例, default: 0.3
	Cooldown time.Duration `yaml:"cooldown"` // 降速冷却时长, default: 15m
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// EstimatorConfig 输出token上限估算配置
type EstimatorConfig struct {
	CharsPerToken float64 `yaml:"chars_per_token"` // default: 4
	Multiplier    float64 `yaml:"multiplier"`      // default: 2
	MinTokens     int     `yaml:"min_tokens"`      // default: 256
	MaxTokens     int     `yaml:"max_tokens"`      // default: 4096
}

type UsageTrackingConfig struct {
	Enabled       bool                  `yaml:"enabled"`            // default: false
	Database      DatabaseBackendConfig `yaml:"database,omitempty"` // 数据库后端
	BufferSize    int                   `yaml:"buffer_size"`        // default: 1000
	BatchSize     int                   `yaml:"batch_size"`         // default: 100
	FlushInterval time.Duration         `yaml:"flush_interval"`     // default: 30s
	RetentionDays int                   `yaml:"retention_days"`     // 0为永久保留, default: 90
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	// MySQL特定配置
	Charset string `yaml:"charset,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // 完整代理URL
	Host     string `yaml:"host"`     // 代理主机
	Port     int    `yaml:"port"`     // 代理端口
	Username string `yaml:"username"` // 可选的认证用户名
	Password string `yaml:"password"` // 可选的认证密码
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`         // default: false
	UpdateInterval time.Duration `yaml:"update_interval"` // 刷新间隔, default: 1s
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Host    string `yaml:"host"`    // default: localhost
	Port    int    `yaml:"port"`    // default: 8088
}

// ProviderConfig 单个提供商的接入配置
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"` // "anthropic", "openai", "ollama"
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"` // 缺省继承global_timeout
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 8 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.2
	}

	if c.Throttle.Slots == 0 {
		c.Throttle.Slots = 4
	}
	if c.Throttle.Factor == 0 {
		c.Throttle.Factor = 0.3
	}
	if c.Throttle.Cooldown == 0 {
		c.Throttle.Cooldown = 15 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Estimator.CharsPerToken == 0 {
		c.Estimator.CharsPerToken = 4
	}
	if c.Estimator.Multiplier == 0 {
		c.Estimator.Multiplier = 2
	}
	if c.Estimator.MinTokens == 0 {
		c.Estimator.MinTokens = 256
	}
	if c.Estimator.MaxTokens == 0 {
		c.Estimator.MaxTokens = 4096
	}

	if c.UsageTracking.Database.Type == "" && c.UsageTracking.Database.Host == "" {
		c.UsageTracking.Database.Type = "sqlite"
	}
	if c.UsageTracking.Database.Type == "sqlite" && c.UsageTracking.Database.Path == "" {
		c.UsageTracking.Database.Path = "data/usage.db"
	}
	if c.UsageTracking.BufferSize == 0 {
		c.UsageTracking.BufferSize = 1000
	}
	if c.UsageTracking.BatchSize == 0 {
		c.UsageTracking.BatchSize = 100
	}
	if c.UsageTracking.FlushInterval == 0 {
		c.UsageTracking.FlushInterval = 30 * time.Second
	}
	if c.UsageTracking.RetentionDays == 0 {
		c.UsageTracking.RetentionDays = 90
	}

	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = time.Second
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = 300 * time.Second
	}

	// 提供商缺省超时继承全局超时
	for i := range c.Providers {
		if c.Providers[i].Timeout == 0 {
			c.Providers[i].Timeout = c.GlobalTimeout
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1)")
	}
	if c.Retry.RateLimit != nil && c.Retry.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("rate_limit max_attempts must be at least 1")
	}

	if c.Throttle.Factor <= 0 || c.Throttle.Factor > 1 {
		return fmt.Errorf("throttle factor must be in (0, 1]")
	}
	if c.Throttle.Slots < 1 {
		return fmt.Errorf("throttle slots must be at least 1")
	}

	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	if c.UsageTracking.Enabled {
		if c.UsageTracking.BufferSize <= 0 {
			return fmt.Errorf("buffer size must be greater than 0 when usage tracking is enabled")
		}
		if c.UsageTracking.BatchSize <= 0 {
			return fmt.Errorf("batch size must be greater than 0 when usage tracking is enabled")
		}
		if c.UsageTracking.BatchSize > c.UsageTracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.UsageTracking.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true

		switch p.Kind {
		case "anthropic", "openai":
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required for kind %q", p.Name, p.Kind)
			}
		case "ollama":
			// 本地部署不需要密钥
		default:
			return fmt.Errorf("provider %s: kind must be 'anthropic', 'openai' or 'ollama'", p.Name)
		}

		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", p.Name)
		}
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	// Load initial configuration
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	// Get initial modification time
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	// Add config file to watcher
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	// Start watching in background
	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Handle file write events
			if event.Has(fsnotify.Write) {
				// Check if file was actually modified by comparing modification time
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.logger.Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				// Skip if modification time hasn't changed
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}

				cw.lastModTime = fileInfo.ModTime()

				// Cancel any existing debounce timer
				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// Set up debounce timer to avoid multiple rapid reloads
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Handle file rename/remove events (some editors rename files during save)
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Re-add the file to watcher in case it was recreated
				time.Sleep(100 * time.Millisecond) // Give time for the file to be recreated
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.logger.Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	// Call all registered callbacks
	for _, callback := range callbacks {
		callback(newConfig)
	}

	// Log configuration changes
	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	if len(oldConfig.Providers) != len(newConfig.Providers) {
		cw.logger.Info("📡 提供商数量变更",
			"old_count", len(oldConfig.Providers),
			"new_count", len(newConfig.Providers))
	}

	if oldConfig.Retry.MaxAttempts != newConfig.Retry.MaxAttempts {
		cw.logger.Info("🔄 重试次数上限变更",
			"old_max_attempts", oldConfig.Retry.MaxAttempts,
			"new_max_attempts", newConfig.Retry.MaxAttempts)
	}

	if oldConfig.Throttle.Cooldown != newConfig.Throttle.Cooldown {
		cw.logger.Info("🐌 限速冷却时长变更",
			"old_cooldown", oldConfig.Throttle.Cooldown,
			"new_cooldown", newConfig.Throttle.Cooldown)
	}

	if oldConfig.Web.Enabled != newConfig.Web.Enabled {
		cw.logger.Info("🌐 Web界面状态变更",
			"old_enabled", oldConfig.Web.Enabled,
			"new_enabled", newConfig.Web.Enabled)
	}

	if oldConfig.Web.Port != newConfig.Web.Port {
		cw.logger.Info("🌐 Web界面端口变更",
			"old_port", oldConfig.Web.Port,
			"new_port", newConfig.Web.Port)
	}

	if oldConfig.UsageTracking.Enabled != newConfig.UsageTracking.Enabled {
		cw.logger.Info("📊 使用跟踪状态变更",
			"old_enabled", oldConfig.UsageTracking.Enabled,
			"new_enabled", newConfig.UsageTracking.Enabled)
	}

	if oldConfig.GlobalTimeout != newConfig.GlobalTimeout {
		cw.logger.Info("⏱️ 全局超时变更",
			"old_timeout", oldConfig.GlobalTimeout,
			"new_timeout", newConfig.GlobalTimeout)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	// Cancel any pending debounce timer
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
