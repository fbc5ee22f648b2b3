package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds listener settings for one HTTP server.
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

type lifecycle uint8

const (
	stateIdle lifecycle = iota
	stateListening
	stateClosed
)

// Manager 负责单个 HTTP 监听的启动与优雅关闭；api 与 metrics 各用一个实例
type Manager struct {
	name   string
	config Config
	logger *zap.Logger
	srv    *http.Server
	errCh  chan error

	mu    sync.RWMutex
	state lifecycle
	ln    net.Listener
}

// NewManager creates a manager for handler. name tags its log lines.
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	log := logger.With(zap.String("component", "http_server"), zap.String("server", name))
	srv.ErrorLog = zap.NewStdLog(log)
	return &Manager{
		name:   name,
		config: config,
		logger: log,
		srv:    srv,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listener and serves in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateClosed:
		return fmt.Errorf("%s server is closed", m.name)
	case stateListening:
		return fmt.Errorf("%s server already started", m.name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.ln, m.state = ln, stateListening
	m.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		err := m.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("serve failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}()
	return nil
}

// Shutdown drains in-flight requests, bounded by ShutdownTimeout. Calling it
// again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return nil
	}
	m.state = stateClosed

	if d := m.config.ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	began := time.Now()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	m.ln = nil
	m.logger.Info("stopped", zap.Duration("drain", time.Since(began)))
	return nil
}

// Serve starts the server and blocks until ctx ends or serving fails, then
// shuts down. A cancelled ctx is a clean exit.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	var failure error
	select {
	case <-ctx.Done():
	case failure = <-m.errCh:
	}
	return errors.Join(failure, m.Shutdown(context.WithoutCancel(ctx)))
}

// Errors delivers a serve failure that happened after Start.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the configured address.
func (m *Manager) Addr() string {
	return m.config.Addr
}

// ListenAddr returns the bound address, or "" when not listening.
func (m *Manager) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// IsRunning reports whether the manager has not been shut down.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != stateClosed
}
