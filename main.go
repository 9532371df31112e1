package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"llm-fanout/config"
	"llm-fanout/internal/events"
	"llm-fanout/internal/orchestrator"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/tracking"
	"llm-fanout/internal/transport"
	"llm-fanout/internal/tui"
	"llm-fanout/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableWeb   = flag.Bool("web", false, "Enable Web interface")
	webPort     = flag.Int("web-port", 8088, "Web interface port (default: 8088)")
	enableTUI   = flag.Bool("tui", false, "Enable TUI monitoring dashboard")
	promptFlag  = flag.String("prompt", "", "Run once with this prompt and print results")
	providerSel = flag.String("providers", "", "Comma-separated provider names for -prompt (default: all configured)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("LLM Fanout\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	// Create configuration watcher
	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Apply command line overrides
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8088 { // 只有当用户显式指定了端口时才覆盖
		cfg.Web.Port = *webPort
	}
	if *enableTUI {
		cfg.TUI.Enabled = true
	}

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("🚀 LLM Fanout 启动中...",
		"version", version,
		"config_file", *configPath,
		"providers_count", len(cfg.Providers))
	logger.Info("🔗 出站连接: " + transport.ProxyInfo(cfg.Proxy))

	// Outbound HTTP client shared by all provider adapters
	httpClient, err := transport.NewHTTPClient(cfg.Proxy)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ HTTP客户端创建失败: %v", err))
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, httpClient)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 提供商注册失败: %v", err))
		os.Exit(1)
	}

	// Initialize EventBus
	eventBus := events.NewEventBus(logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// Initialize usage tracker
	usageTracker, err := tracking.NewUsageTracker(trackingConfig(cfg))
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 使用跟踪器初始化失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := usageTracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 使用跟踪器关闭失败: %v", err))
		}
	}()

	throttle := retry.NewThrottleController(
		retry.WithSlots(cfg.Throttle.Slots),
		retry.WithFactor(cfg.Throttle.Factor),
		retry.WithCooldown(cfg.Throttle.Cooldown),
		retry.WithSignalHook(func(provider string, until time.Time) {
			eventBus.Publish(events.Event{
				Type:     events.EventThrottleEngaged,
				Source:   "throttle",
				Priority: events.PriorityHigh,
				Data:     map[string]any{"provider": provider, "until": until.Format("15:04:05")},
			})
		}),
	)

	orch := orchestrator.New(registry, orchestrator.Options{
		Policies:        policySet(cfg.Retry),
		Throttle:        throttle,
		Bus:             eventBus,
		Recorder:        usageTracker,
		Estimator:       estimator(cfg.Estimator),
		ProviderTimeout: cfg.GlobalTimeout,
	})

	// One-shot mode: run the prompt and print results
	// os.Exit跳过defer，跟踪器和总线需要显式关停以免丢失缓冲记录
	if *promptFlag != "" {
		code := runOnce(orch, cfg, *promptFlag, *providerSel, logger)
		if err := usageTracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 使用跟踪器关闭失败: %v", err))
		}
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
		configWatcher.Close()
		os.Exit(code)
	}

	var webServer *web.WebServer

	// Setup configuration reload callback
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)

		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		// 重试/限速/提供商参数在下一次进程启动时生效
		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config",
			Priority: events.PriorityNormal,
			Data:     map[string]any{"config_file": *configPath},
		})
	})
	logger.Info("🔄 配置文件自动重载已启用")

	// 没有任何交互入口时默认开启Web接口
	if !cfg.Web.Enabled && !cfg.TUI.Enabled {
		logger.Info("ℹ️ 未启用Web或TUI，默认开启Web接口")
		cfg.Web.Enabled = true
	}

	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, orch, eventBus, usageTracker, logger, startTime)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
			os.Exit(1)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	if cfg.TUI.Enabled {
		dashboard := tui.NewDashboard(orch, throttle, eventBus, cfg.TUI.UpdateInterval, logger)

		go func() {
			sig := <-interrupt
			logger.Info(fmt.Sprintf("📡 收到终止信号，关闭监控面板 - 信号: %v", sig))
			dashboard.Stop()
		}()

		if err := dashboard.Run(); err != nil {
			logger.Error(fmt.Sprintf("❌ 监控面板运行错误: %v", err))
		}
		logger.Info("📱 监控面板已关闭")
	} else {
		sig := <-interrupt
		logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	logger.Info("✅ 已安全关闭")
}

// runOnce 一次性运行：分发提示词、等待全部终态并打印结果
// 返回进程退出码，任一提供商失败时为1
func runOnce(orch *orchestrator.Orchestrator, cfg *config.Config, prompt, selection string, logger *slog.Logger) int {
	providers := selectProviders(cfg, selection)
	if len(providers) == 0 {
		logger.Error("❌ 没有可用的提供商")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	results, err := orch.Run(ctx, prompt, providers)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 运行失败: %v", err))
		return 1
	}

	exitCode := 0
	for _, r := range results {
		fmt.Printf("\n===== %s =====\n", r.Provider)
		if r.Success {
			fmt.Printf("%s\n", r.Text)
			fmt.Printf("--- 输入: %d tokens, 输出: %d tokens, 尝试: %d次, 耗时: %v\n",
				r.InputTokens, r.OutputTokens, r.Attempts, r.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("失败: %s\n", r.Text)
			exitCode = 1
		}
	}
	return exitCode
}

// selectProviders 解析-providers参数，缺省使用全部已配置提供商
func selectProviders(cfg *config.Config, selection string) []string {
	if selection == "" {
		names := make([]string, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			names = append(names, p.Name)
		}
		return names
	}

	var names []string
	for _, name := range strings.Split(selection, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// buildRegistry 根据配置构建提供商适配器注册表
func buildRegistry(cfg *config.Config, client *http.Client) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	for _, p := range cfg.Providers {
		var adapter provider.Adapter
		switch p.Kind {
		case "anthropic":
			adapter = provider.NewAnthropicAdapter(p.Name, p.BaseURL, p.APIKey, p.Model, client)
		case "openai":
			adapter = provider.NewOpenAIAdapter(p.Name, p.BaseURL, p.APIKey, p.Model, client)
		case "ollama":
			adapter = provider.NewOllamaAdapter(p.Name, p.BaseURL, p.Model, client)
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.Name, p.Kind)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// policySet 把重试配置转换为策略集合
func policySet(rc config.RetryConfig) retry.PolicySet {
	defaultPolicy := toPolicy(rc.RetryPolicyConfig)
	rateLimitPolicy := defaultPolicy
	if rc.RateLimit != nil {
		rateLimitPolicy = toPolicy(*rc.RateLimit)
	}
	return retry.PolicySet{Default: defaultPolicy, RateLimit: rateLimitPolicy}
}

func toPolicy(pc config.RetryPolicyConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: pc.MaxAttempts,
		BaseDelay:   pc.BaseDelay,
		MaxDelay:    pc.MaxDelay,
		Multiplier:  pc.Multiplier,
		JitterRatio: pc.Jitter,
	}
}

// estimator 把估算配置转换为输出上限估算器
func estimator(ec config.EstimatorConfig) orchestrator.CapEstimator {
	est := orchestrator.NewHeuristicEstimator()
	est.CharsPerToken = ec.CharsPerToken
	est.Multiplier = ec.Multiplier
	est.MinTokens = ec.MinTokens
	est.MaxTokens = ec.MaxTokens
	return est
}

// trackingConfig 把顶层配置映射为跟踪器配置
func trackingConfig(cfg *config.Config) *tracking.Config {
	return &tracking.Config{
		Enabled: cfg.UsageTracking.Enabled,
		Database: tracking.DatabaseConfig{
			Type:            cfg.UsageTracking.Database.Type,
			DatabasePath:    cfg.UsageTracking.Database.Path,
			Host:            cfg.UsageTracking.Database.Host,
			Port:            cfg.UsageTracking.Database.Port,
			Database:        cfg.UsageTracking.Database.Database,
			Username:        cfg.UsageTracking.Database.Username,
			Password:        cfg.UsageTracking.Database.Password,
			MaxOpenConns:    cfg.UsageTracking.Database.MaxOpenConns,
			MaxIdleConns:    cfg.UsageTracking.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.UsageTracking.Database.ConnMaxLifetime,
			Charset:         cfg.UsageTracking.Database.Charset,
		},
		BufferSize:    cfg.UsageTracking.BufferSize,
		BatchSize:     cfg.UsageTracking.BatchSize,
		FlushInterval: cfg.UsageTracking.FlushInterval,
		RetentionDays: cfg.UsageTracking.RetentionDays,
	}
}

// setupLogger configures the structured logger
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&SimpleHandler{level: level})
}

// SimpleHandler only outputs the log message without any metadata
type SimpleHandler struct {
	level slog.Level
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	level := "INFO"
	switch r.Level {
	case slog.LevelDebug:
		level = "DEBUG"
	case slog.LevelWarn:
		level = "WARN"
	case slog.LevelError:
		level = "ERROR"
	}

	fmt.Printf("[%s] [%s] %s\n", timestamp, level, message)
	return nil
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Return the same handler since we don't use attributes
	return h
}

func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	// Return the same handler since we don't use groups
	return h
}
