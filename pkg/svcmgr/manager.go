// Package svcmgr wires the node-local service manager: configuration,
// single-instance locking, daemon supervision and the control-plane server.
package svcmgr

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/bitrot"
	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/control"
	"github.com/core-tools/hsu-svcmgr/pkg/daemons"
	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/portmap"
	"github.com/core-tools/hsu-svcmgr/pkg/service"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"

	"github.com/gofrs/flock"
	"google.golang.org/grpc"
)

const LockFileName = "svcmgrd.lock"

// ManagerState represents the current state of the manager
type ManagerState string

const (
	ManagerStateNotStarted ManagerState = "not_started"
	ManagerStateRunning    ManagerState = "running"
	ManagerStateStopping   ManagerState = "stopping"
	ManagerStateStopped    ManagerState = "stopped"
)

type Manager struct {
	config *Config
	logger logging.Logger

	fileLock *flock.Flock
	cc       *cluster.Context
	store    *volstore.Store
	ports    *portmap.Registry
	bridge   *service.NotifyBridge
	daemons  []*service.Descriptor
	bitrot   *bitrot.Handler

	server   *grpc.Server
	listener net.Listener
	serveErr chan error

	mutex sync.Mutex
	state ManagerState
}

// Open claims the workdir, loads persistent state and builds every
// configured daemon. Nothing is spawned until Start.
func Open(config *Config, logger logging.Logger) (*Manager, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	opts := config.Manager

	for _, dir := range []string{opts.Workdir, opts.LogDir, opts.RunDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.NewDirectoryCreateError("unable to create directory", err).WithContext("dir", dir)
		}
	}

	lockPath := filepath.Join(opts.Workdir, LockFileName)
	fileLock := flock.New(lockPath)
	ok, err := fileLock.TryLock()
	if err != nil {
		return nil, errors.NewIOError("failed to acquire manager lock", err).WithContext("lock", lockPath)
	}
	if !ok {
		return nil, errors.NewConflictError("another manager instance is already running", nil).WithContext("lock", lockPath)
	}

	m := &Manager{
		config:   config,
		logger:   logger,
		fileLock: fileLock,
		state:    ManagerStateNotStarted,
	}
	if err := m.init(); err != nil {
		m.releaseResources()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	opts := m.config.Manager

	nodeID, err := cluster.LoadOrCreateNodeID(opts.Workdir)
	if err != nil {
		return err
	}
	m.logger.Infof("Node identity, uuid: %s", nodeID)

	m.store, err = volstore.Open(opts.Workdir, logging.NewPrefixedLogger("volstore , ", m.logger))
	if err != nil {
		return err
	}
	if err := m.seedVolumes(); err != nil {
		return err
	}

	m.ports = portmap.New(logging.NewPrefixedLogger("portmap , ", m.logger))
	m.cc = &cluster.Context{
		Workdir:         opts.Workdir,
		LogDir:          opts.LogDir,
		RunDir:          opts.RunDir,
		SbinDir:         opts.SbinDir,
		ListenAddress:   opts.ListenAddress,
		NodeID:          nodeID,
		OpVersion:       opts.OpVersion,
		MemoryDebug:     opts.MemoryDebug,
		ReconnectWindow: opts.ReconnectWindow,
		GracefulTimeout: opts.GracefulTimeout,
		Lock:            cluster.NewLock(),
		Ports:           m.ports,
	}
	if err := m.cc.Validate(); err != nil {
		return err
	}

	m.bridge = service.NewNotifyBridge(service.NewRegistry(), m.logger)
	deps := daemons.Deps{
		Cluster: m.cc,
		Bridge:  m.bridge,
		Store:   m.store,
		Logger:  m.logger,
	}

	var bitrotDaemons []bitrot.Managed
	for _, sc := range m.config.Services {
		if !sc.IsEnabled() {
			m.logger.Infof("Skipping disabled service, type: %s, volume: %s", sc.Type, sc.Volume)
			continue
		}
		d, err := daemons.New(deps, sc.Type, sc.Volume)
		if err != nil {
			return err
		}
		m.daemons = append(m.daemons, d)
		if sc.Type == daemons.TypeBitd || sc.Type == daemons.TypeScrub {
			bitrotDaemons = append(bitrotDaemons, d)
		}
		m.logger.Infof("Added service: %s", d.Name())
	}

	coordinator := bitrot.NewLocalCoordinator(m.cc.Lock, m.store, bitrotDaemons,
		logging.NewPrefixedLogger("bitrot , ", m.logger))
	m.bitrot = bitrot.NewHandler(func() int { return m.cc.OpVersion }, coordinator,
		logging.NewPrefixedLogger("bitrot , ", m.logger))

	m.server = grpc.NewServer()
	control.RegisterManagerServerHandler(m.server, m, m.logger)
	return nil
}

// seedVolumes persists configured volumes the store does not know yet
func (m *Manager) seedVolumes() error {
	for _, vc := range m.config.Volumes {
		if _, err := m.store.Get(vc.Name); err == nil {
			continue
		}
		v := &volstore.Volume{Name: vc.Name, Status: vc.Status}
		for k, val := range vc.Options {
			v.SetOption(k, val)
		}
		if err := m.store.Put(v); err != nil {
			return err
		}
		m.logger.Infof("Seeded volume: %s, status: %s", v.Name, v.Status)
	}
	return nil
}

// Start begins serving the control plane and reconciles every daemon
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	if m.state != ManagerStateNotStarted {
		state := m.state
		m.mutex.Unlock()
		return errors.NewValidationError("manager cannot be started", nil).WithContext("state", string(state))
	}
	m.mutex.Unlock()

	listener, err := m.listen()
	if err != nil {
		return err
	}
	m.listener = listener
	m.serveErr = make(chan error, 1)
	go func() {
		m.serveErr <- m.server.Serve(listener)
	}()
	m.logger.Infof("Control plane listening on %s", listener.Addr())

	m.setState(ManagerStateRunning)

	if err := m.Reconcile(ctx); err != nil {
		m.logger.Warnf("Some services failed to reconcile: %v", err)
	}
	return nil
}

// Reconcile runs every daemon's manage policy under the coordination lock.
// A daemon that fails to reconcile does not prevent the others.
func (m *Manager) Reconcile(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	for _, d := range m.daemons {
		err := m.cc.Lock.Run(ctx, func(ctx context.Context) error {
			return d.Manage(ctx)
		})
		if err != nil {
			m.logger.Errorf("Failed to manage %s, error: %v", d.Name(), err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// Stop shuts the control plane down and releases every descriptor.
// Supervised daemons keep running and are found again on the next start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	if m.state == ManagerStateStopping || m.state == ManagerStateStopped {
		m.mutex.Unlock()
		return nil
	}
	m.state = ManagerStateStopping
	m.mutex.Unlock()

	m.logger.Infof("Stopping manager...")

	stopped := make(chan struct{})
	go func() {
		m.server.GracefulStop()
		close(stopped)
	}()

	timeout := m.config.Manager.ShutdownTimeout
	select {
	case <-stopped:
	case <-time.After(timeout):
		m.logger.Warnf("Control plane did not drain in %v, forcing", timeout)
		m.server.Stop()
	case <-ctx.Done():
		m.server.Stop()
	}

	collection := m.releaseResources()
	m.setState(ManagerStateStopped)

	m.logger.Infof("Manager stopped")
	return collection.ToError()
}

func (m *Manager) releaseResources() *errors.ErrorCollection {
	collection := errors.NewErrorCollection()

	for _, d := range m.daemons {
		d.Release()
	}

	if socket := m.config.Manager.Socket; m.config.Manager.Port == 0 && m.listener != nil {
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			collection.Add(errors.NewIOError("failed to remove control socket", err).WithContext("socket", socket))
		}
	}

	if err := m.fileLock.Unlock(); err != nil {
		m.logger.Warnf("Failed to release manager lock, error: %v", err)
		collection.Add(errors.NewIOError("failed to release manager lock", err))
	}
	return collection
}

func (m *Manager) listen() (net.Listener, error) {
	opts := m.config.Manager
	if opts.Port != 0 {
		address := net.JoinHostPort("localhost", strconv.Itoa(opts.Port))
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errors.NewConnectionError("failed to listen", err).WithContext("address", address)
		}
		return listener, nil
	}

	// A stale socket from a crashed instance is safe to remove once the lock is ours
	if err := os.Remove(opts.Socket); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewIOError("failed to remove stale control socket", err).WithContext("socket", opts.Socket)
	}
	listener, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return nil, errors.NewConnectionError("failed to listen", err).WithContext("socket", opts.Socket)
	}
	return listener, nil
}

// Bitrot implements domain.ManagerContract
func (m *Manager) Bitrot(ctx context.Context, request domain.BitrotRequest) (domain.BitrotReply, error) {
	return m.bitrot.Handle(ctx, request), nil
}

// Status implements domain.ManagerContract
func (m *Manager) Status(ctx context.Context) ([]domain.ServiceStatus, error) {
	descriptors := m.bridge.Registry().List()
	statuses := make([]domain.ServiceStatus, 0, len(descriptors))
	for _, d := range descriptors {
		statuses = append(statuses, d.Status())
	}
	return statuses, nil
}

func (m *Manager) GetState() ManagerState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Addr returns the control-plane listen address once started
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) Store() *volstore.Store {
	return m.store
}

func (m *Manager) Service(name string) (*service.Descriptor, bool) {
	return m.bridge.Registry().Get(name)
}

func (m *Manager) setState(state ManagerState) {
	m.mutex.Lock()
	m.state = state
	m.mutex.Unlock()
}
