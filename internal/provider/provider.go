// Package provider 把各家生成式文本后端的流式调用包装成统一的适配器形态
// 适配器本身不含重试逻辑，由重试执行器在每次尝试时重新建立连接
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request 一次流式生成调用的入参
type Request struct {
	Prompt    string // 完整提示词
	OutputCap int    // 输出token上限，由外部预算估算器给出，适配器视为不透明上界
}

// Usage 一次调用的token用量，由适配器从流中解析
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// EmitFunc 每解析出一个文本片段回调一次，保证按产出顺序投递
type EmitFunc func(text string)

// Adapter 单个提供商的流式调用适配器
// Stream每次调用建立全新连接；传输错误和非2xx响应统一转换为
// *classify.StatusError后返回
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req Request, emit EmitFunc) (*Usage, error)
}

// Registry 提供商适配器注册表
// 新增提供商只需注册新适配器，编排器和重试执行器不需要改动
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册一个适配器，名称重复时返回错误
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("provider %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get 按名称查找适配器
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names 返回已注册的提供商名称，按字典序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
