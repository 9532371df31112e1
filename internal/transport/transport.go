// Package transport 构建访问提供商的出站HTTP客户端
// 支持http/https/socks5代理；客户端不设整体超时，流式请求的时限由调用方context控制
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"llm-fanout/config"

	"golang.org/x/net/proxy"
)

// NewHTTPClient 根据代理配置创建HTTP客户端
func NewHTTPClient(cfg config.ProxyConfig) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// 流式响应逐段到达，禁用传输层压缩协商交给适配器处理
		DisableCompression: true,
	}

	if cfg.Enabled {
		if err := applyProxy(transport, cfg); err != nil {
			return nil, err
		}
		slog.Info(fmt.Sprintf("🌐 [代理] 出站请求经由代理: %s", ProxyInfo(cfg)))
	}

	return &http.Client{Transport: transport}, nil
}

func applyProxy(transport *http.Transport, cfg config.ProxyConfig) error {
	switch cfg.Type {
	case "http", "https":
		proxyURL, err := buildProxyURL(cfg)
		if err != nil {
			return err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil

	case "socks5":
		address := cfg.URL
		if address == "" {
			address = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		} else if u, err := url.Parse(address); err == nil && u.Host != "" {
			address = u.Host
		}

		var auth *proxy.Auth
		if cfg.Username != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", address, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create socks5 dialer: %w", err)
		}

		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return nil

	default:
		return fmt.Errorf("unsupported proxy type: %s", cfg.Type)
	}
}

// buildProxyURL 从配置拼出完整代理URL，优先使用显式URL
func buildProxyURL(cfg config.ProxyConfig) (*url.URL, error) {
	raw := cfg.URL
	if raw == "" {
		raw = fmt.Sprintf("%s://%s:%d", cfg.Type, cfg.Host, cfg.Port)
	}

	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}

	if cfg.Username != "" && proxyURL.User == nil {
		proxyURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return proxyURL, nil
}

// ProxyInfo 返回用于日志展示的代理描述，不含凭据
func ProxyInfo(cfg config.ProxyConfig) string {
	if !cfg.Enabled {
		return "直连"
	}
	if cfg.URL != "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			return fmt.Sprintf("%s://%s", cfg.Type, u.Host)
		}
		return cfg.Type
	}
	return fmt.Sprintf("%s://%s:%d", cfg.Type, cfg.Host, cfg.Port)
}
