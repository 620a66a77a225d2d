package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc 在配置文件变化并通过校验后收到新的复制参数。
type ReloadFunc func(ReplicationConfig)

// Reloader 监听配置文件并热更新复制核心的可调参数。
// 仅 ReplicationConfig 会被重新应用；其余字段改动需要重启进程。
type Reloader struct {
	path     string
	cooldown time.Duration
	onReload ReloadFunc

	watcher    *fsnotify.Watcher
	lastReload time.Time
	mu         sync.Mutex
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewReloader 创建热更新器；cooldown <= 0 时使用 2s，避免编辑器连续写入触发多次重载。
func NewReloader(path string, cooldown time.Duration, onReload ReloadFunc) (*Reloader, error) {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Reloader{
		path:     path,
		cooldown: cooldown,
		onReload: onReload,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 开始监听文件变化。
func (r *Reloader) Start(ctx context.Context) error {
	if err := r.watcher.Add(r.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	go r.watch(ctx)
	return nil
}

// Stop 停止监听并关闭 watcher。
func (r *Reloader) Stop() error {
	select {
	case <-r.stopChan:
	default:
		close(r.stopChan)
	}
	select {
	case <-r.doneChan:
	case <-time.After(time.Second):
	}
	return r.watcher.Close()
}

func (r *Reloader) watch(ctx context.Context) {
	defer close(r.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				r.handleChange()
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			// 监听错误不致命，继续等待后续事件
		}
	}
}

func (r *Reloader) handleChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastReload) < r.cooldown {
		return
	}
	cfg, err := LoadWithEnvOverrides(r.path)
	if err != nil {
		// 配置非法时保持旧参数
		return
	}
	if r.onReload != nil {
		r.onReload(cfg.Replication)
	}
	r.lastReload = time.Now()
}
