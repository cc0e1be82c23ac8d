package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 监听器生命周期管理
// =============================================================================
// 网关对外有两个监听面：api（候选调度 / 故障转移入口）与
// metrics（Prometheus 抓取端点）。Manager 管理单个监听器的
// 启停，AwaitSignal 统一收敛退出信号并按序关停全部监听器。
// =============================================================================

// Config 单个监听器的 HTTP 配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时。api 监听面承载 SSE 流式转发，写超时须为 0，
	// 否则长流会被 http.Server 中途掐断
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// APIDefaults api 监听面默认配置，写超时为 0 以放行流式响应
func APIDefaults() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// MetricsDefaults metrics 监听面默认配置
func MetricsDefaults() Config {
	return Config{
		Addr:            ":9090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 16,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Manager 单个 HTTP 监听器的生命周期管理
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// New 创建名为 name 的监听器管理器，name 会出现在日志字段中
func New(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		server: &http.Server{
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		errCh:  make(chan error, 1),
		config: cfg,
		logger: logger.With(
			zap.String("component", "listener"),
			zap.String("listener", name),
		),
	}
}

// Start 绑定端口并在后台开始服务（非阻塞）
func (m *Manager) Start() error {
	return m.start(func(ln net.Listener) error {
		return m.server.Serve(ln)
	}, "http")
}

// StartTLS 以 TLS 绑定端口并在后台开始服务（非阻塞）
func (m *Manager) StartTLS(certFile, keyFile string) error {
	return m.start(func(ln net.Listener) error {
		return m.server.ServeTLS(ln, certFile, keyFile)
	}, "https")
}

func (m *Manager) start(serve func(net.Listener) error, scheme string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("listener %s is closed", m.name)
	}
	if m.listener != nil {
		return fmt.Errorf("listener %s already started", m.name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln
	m.logger.Info("listener started",
		zap.String("addr", ln.Addr().String()),
		zap.String("scheme", scheme),
	)

	go func() {
		if err := serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("listener failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭，幂等
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("listener shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("listener shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("listener stopped")
	return nil
}

// Errors 异步服务错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// ListenAddr 返回实际绑定的地址，未启动时退回配置地址。
// Addr 为 ":0" 时测试用它拿到随机分配的端口
func (m *Manager) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// Name 返回监听面名称
func (m *Manager) Name() string {
	return m.name
}

// IsRunning 监听器是否仍在服务
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// AwaitSignal 阻塞等待 SIGINT/SIGTERM 或任一监听器的异步错误，
// 然后按传入顺序关停所有监听器
func AwaitSignal(logger *zap.Logger, managers ...*Manager) {
	if logger == nil {
		logger = zap.NewNop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-mergedErrors(managers):
		logger.Error("listener exited unexpectedly", zap.Error(err))
	}

	ctx := context.Background()
	for _, m := range managers {
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("shutdown error",
				zap.String("listener", m.Name()), zap.Error(err))
		}
	}
}

// mergedErrors 把多个监听器的错误通道汇成一个
func mergedErrors(managers []*Manager) <-chan error {
	out := make(chan error, 1)
	for _, m := range managers {
		go func(ch <-chan error) {
			if err, ok := <-ch; ok {
				select {
				case out <- err:
				default:
				}
			}
		}(m.Errors())
	}
	return out
}
