// Package connmgr keeps a gRPC client connection to a daemon's control socket.
//
// The connection is re-established in the background. Every transition into
// READY raises EventConnect and every transition out of it raises
// EventDisconnect. When no connection comes up for a whole reconnect window
// the loop gives up with an error log; the next Connect starts over.
package connmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/control"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"vawter.tech/stopper"
)

const (
	DefaultReconnectWindow  = 600 * time.Second
	DefaultFetchSpecTimeout = 5 * time.Second

	stopGracePeriod = 100 * time.Millisecond
)

type Event int

const (
	EventConnect Event = iota
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// NotifyFunc receives events from the loop goroutine
type NotifyFunc func(id string, event Event)

type Config struct {
	// ID identifies the connection to the notify callback; defaults to SocketPath
	ID              string
	SocketPath      string
	ReconnectWindow time.Duration
	// FetchSpecTimeout bounds a refetch request sent by RequestFetchSpec
	FetchSpecTimeout time.Duration
	Notify           NotifyFunc
}

type Manager struct {
	config Config
	logger logging.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
	sctx *stopper.Context
	// done is closed when the connect loop returns
	done chan struct{}

	connected atomic.Bool
}

func New(config Config, logger logging.Logger) (*Manager, error) {
	if err := svcpath.ValidatePath("socket path", config.SocketPath, svcpath.MaxSocketPathLength); err != nil {
		return nil, err
	}
	if config.Notify == nil {
		return nil, errors.NewConfigError("notify callback is required", nil).WithContext("socket", config.SocketPath)
	}
	if config.ID == "" {
		config.ID = config.SocketPath
	}
	if config.ReconnectWindow <= 0 {
		config.ReconnectWindow = DefaultReconnectWindow
	}
	if config.FetchSpecTimeout <= 0 {
		config.FetchSpecTimeout = DefaultFetchSpecTimeout
	}

	return &Manager{
		config: config,
		logger: logger,
	}, nil
}

func (m *Manager) ID() string         { return m.config.ID }
func (m *Manager) SocketPath() string { return m.config.SocketPath }

// Connected reports whether the client connection is currently READY
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Connect starts the background connect loop; a running loop is left alone
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sctx != nil {
		select {
		case <-m.done:
			// Previous loop gave up after its reconnect window
			m.teardownLocked()
		default:
			return nil
		}
	}

	conn, err := grpc.Dial("unix://"+m.config.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           m.backoffConfig(),
			MinConnectTimeout: time.Second,
		}),
	)
	if err != nil {
		return errors.NewConnectionError("failed to create client connection", err).
			WithContext("socket", m.config.SocketPath)
	}

	sctx := stopper.WithContext(context.Background())
	done := make(chan struct{})
	m.conn = conn
	m.sctx = sctx
	m.done = done

	m.watchSocket(sctx, conn)
	sctx.Go(func(sctx *stopper.Context) error {
		m.run(sctx, conn)
		close(done)
		// Release the watcher goroutine too
		sctx.Stop(0)
		return nil
	})

	m.logger.Debugf("Connect loop started, socket: %s", m.config.SocketPath)
	return nil
}

// Disconnect stops the loop, closes the connection and deletes the socket file.
// Calling it on an already disconnected manager is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()

	m.connected.Store(false)

	if err := os.Remove(m.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove socket file", err).WithContext("socket", m.config.SocketPath)
	}
	return nil
}

// Close stops the loop and closes the connection but keeps the socket file,
// for a manager shutting down while the daemon keeps running
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()

	m.connected.Store(false)
}

// FetchSpec asks the daemon to refetch its volfile
func (m *Manager) FetchSpec(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || !m.Connected() {
		return errors.NewConnectionError("daemon is not connected", nil).WithContext("socket", m.config.SocketPath)
	}
	return m.fetchSpec(ctx, conn)
}

// RequestFetchSpec sends the refetch request in the background and returns at once.
// Only a missing connection is reported; a failed or slow request is logged.
func (m *Manager) RequestFetchSpec() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.sctx == nil || !m.Connected() {
		return errors.NewConnectionError("daemon is not connected", nil).WithContext("socket", m.config.SocketPath)
	}

	// The goroutine must not take m.mu: teardown waits for it while holding the mutex
	conn := m.conn
	accepted := m.sctx.Go(func(sctx *stopper.Context) error {
		ctx, cancel := context.WithTimeout(sctx, m.config.FetchSpecTimeout)
		defer cancel()

		if err := m.fetchSpec(ctx, conn); err != nil {
			m.logger.Warnf("Fetch spec request failed, socket: %s, error: %v", m.config.SocketPath, err)
			return nil
		}
		m.logger.Debugf("Fetch spec delivered, socket: %s", m.config.SocketPath)
		return nil
	})
	if !accepted {
		return errors.NewConnectionError("connection is shutting down", nil).WithContext("socket", m.config.SocketPath)
	}
	return nil
}

func (m *Manager) fetchSpec(ctx context.Context, conn *grpc.ClientConn) error {
	gateway := control.NewDaemonClientGateway(conn, m.logger)
	if err := gateway.FetchSpec(ctx); err != nil {
		return errors.NewConnectionError("fetch spec failed", err).WithContext("socket", m.config.SocketPath)
	}
	return nil
}

func (m *Manager) teardownLocked() {
	sctx, conn := m.sctx, m.conn
	m.sctx, m.conn, m.done = nil, nil, nil

	if sctx != nil {
		sctx.Stop(stopGracePeriod)
	}
	if conn != nil {
		// Closing wakes the loop out of WaitForStateChange
		_ = conn.Close()
	}
	if sctx != nil {
		if err := sctx.Wait(); err != nil {
			m.logger.Warnf("Connect loop exited with error, socket: %s, error: %v", m.config.SocketPath, err)
		}
	}
}

func (m *Manager) backoffConfig() backoff.Config {
	config := backoff.DefaultConfig
	config.BaseDelay = 100 * time.Millisecond
	if config.MaxDelay > m.config.ReconnectWindow {
		config.MaxDelay = m.config.ReconnectWindow
	}
	return config
}

func (m *Manager) run(sctx *stopper.Context, conn *grpc.ClientConn) {
	conn.Connect()
	deadline := time.Now().Add(m.config.ReconnectWindow)

	for !sctx.IsStopping() {
		state := conn.GetState()

		switch state {
		case connectivity.Shutdown:
			return
		case connectivity.Ready:
			if !m.connected.Swap(true) {
				m.logger.Debugf("Connected, socket: %s", m.config.SocketPath)
				m.config.Notify(m.config.ID, EventConnect)
			}
		default:
			if m.connected.Swap(false) {
				m.logger.Debugf("Disconnected, socket: %s", m.config.SocketPath)
				m.config.Notify(m.config.ID, EventDisconnect)
				deadline = time.Now().Add(m.config.ReconnectWindow)
			}
			if state == connectivity.Idle {
				conn.Connect()
			}
			if time.Now().After(deadline) {
				m.logger.Errorf("No connection within reconnect window %v, giving up, socket: %s",
					m.config.ReconnectWindow, m.config.SocketPath)
				return
			}
		}

		var waitCtx context.Context
		var cancel context.CancelFunc
		if state == connectivity.Ready {
			waitCtx, cancel = context.WithCancel(context.Background())
		} else {
			waitCtx, cancel = context.WithDeadline(context.Background(), deadline)
		}
		go func() {
			select {
			case <-sctx.Stopping():
				cancel()
			case <-waitCtx.Done():
			}
		}()
		conn.WaitForStateChange(waitCtx, state)
		cancel()
	}
}

// watchSocket resets the dial backoff as soon as the daemon creates its socket
func (m *Manager) watchSocket(sctx *stopper.Context, conn *grpc.ClientConn) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warnf("Socket watch unavailable, socket: %s, error: %v", m.config.SocketPath, err)
		return
	}

	dir := filepath.Dir(m.config.SocketPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		m.logger.Warnf("Socket watch unavailable, dir: %s, error: %v", dir, err)
		return
	}

	sctx.Defer(func() {
		_ = watcher.Close()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Name == m.config.SocketPath && event.Op&fsnotify.Create != 0 {
					m.logger.Debugf("Socket created, resetting backoff, socket: %s", m.config.SocketPath)
					conn.ResetConnectBackoff()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				m.logger.Warnf("Socket watch error, socket: %s, error: %v", m.config.SocketPath, err)
			}
		}
		return nil
	})
}
