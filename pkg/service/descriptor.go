// Package service composes a process supervisor and a connection manager
// into one supervised daemon and tracks whether it is reachable.
package service

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/connmgr"
	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/process"
	"github.com/core-tools/hsu-svcmgr/pkg/processstate"
	"github.com/core-tools/hsu-svcmgr/pkg/procsupervisor"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"
)

const (
	DefaultSbinDir    = "/usr/sbin"
	DefaultExecutable = "glusterfs"

	memoryDebugLauncher = "valgrind"
)

type StartFlags int

const (
	// StartNoWait launches the daemon and returns at once
	StartNoWait StartFlags = iota
	// StartWait blocks until the launched command exits
	StartWait
)

type Options struct {
	Name string
	// Type names the daemon kind in status reports
	Type string
	// Workdir roots the service directory; defaults to the cluster workdir
	Workdir string
	Kind    Kind
}

type Descriptor struct {
	name    string
	kindTyp string
	workdir string
	kind    Kind
	cc      *cluster.Context
	logger  logging.Logger

	proc *procsupervisor.Supervisor
	conn *connmgr.Manager

	// opMu serializes Start and Stop on this descriptor
	opMu     sync.Mutex
	lastPID  atomic.Int64
	registry *Registry

	// mu guards online; it is finer grained than the coordination lock
	mu     sync.Mutex
	online bool
}

// New derives the service layout, creates its run directory and registers it with bridge
func New(cc *cluster.Context, options Options, bridge *NotifyBridge, logger logging.Logger) (*Descriptor, error) {
	if err := svcpath.ValidateName(options.Name); err != nil {
		return nil, err
	}
	if options.Kind == nil {
		return nil, errors.NewConfigError("service kind is required", nil).WithContext("service", options.Name)
	}
	if bridge == nil {
		return nil, errors.NewConfigError("notify bridge is required", nil).WithContext("service", options.Name)
	}

	workdir := options.Workdir
	if workdir == "" {
		workdir = cc.Workdir
	}
	name := options.Name
	logger = logging.NewPrefixedLogger("service: "+name+" , ", logger)

	serviceDir := svcpath.ServiceDir(workdir, name)
	if err := os.MkdirAll(serviceDir, 0755); err != nil {
		return nil, errors.NewDirectoryCreateError("unable to create service directory", err).WithContext("dir", serviceDir)
	}
	runDir := svcpath.RunDir(workdir, name)
	if err := svcpath.EnsureRunDir(runDir); err != nil {
		return nil, err
	}

	proc, err := procsupervisor.New(procsupervisor.Config{
		Name:            name,
		PIDFile:         svcpath.PIDFile(workdir, name),
		LogDir:          cc.LogDir,
		LogFile:         svcpath.LogFile(cc.LogDir, name),
		VolFile:         svcpath.VolFile(workdir, name),
		VolfileID:       svcpath.VolfileID(name),
		ListenAddress:   cc.ListenAddress,
		GracefulTimeout: cc.GracefulTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	socketPath := svcpath.SocketFile(runDir, cc.NodeID)
	conn, err := connmgr.New(connmgr.Config{
		ID:              socketPath,
		SocketPath:      socketPath,
		ReconnectWindow: cc.ReconnectWindow,
		Notify:          bridge.Notify,
	}, logger)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		name:    name,
		kindTyp: options.Type,
		workdir: workdir,
		kind:    options.Kind,
		cc:      cc,
		logger:  logger,
		proc:    proc,
		conn:    conn,
	}

	if err := bridge.Registry().Register(d); err != nil {
		return nil, err
	}
	d.registry = bridge.Registry()

	// A daemon left running by a previous manager is reached through its stable socket path
	if d.proc.IsRunning() {
		d.logger.Infof("Found running daemon, reconnecting")
		d.armConnection()
	}

	return d, nil
}

func (d *Descriptor) Name() string                        { return d.name }
func (d *Descriptor) Type() string                        { return d.kindTyp }
func (d *Descriptor) Workdir() string                     { return d.workdir }
func (d *Descriptor) Cluster() *cluster.Context           { return d.cc }
func (d *Descriptor) Logger() logging.Logger              { return d.logger }
func (d *Descriptor) Process() *procsupervisor.Supervisor { return d.proc }
func (d *Descriptor) Connection() *connmgr.Manager        { return d.conn }
func (d *Descriptor) SocketPath() string                  { return d.conn.SocketPath() }

func (d *Descriptor) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// IsRunning also covers a just-launched daemon that has not written its pid file yet
func (d *Descriptor) IsRunning() bool {
	if d.proc.IsRunning() {
		return true
	}
	if pid := int(d.lastPID.Load()); pid > 0 {
		if alive, _ := processstate.IsProcessRunning(pid); alive {
			return true
		}
	}
	return false
}

// Manage delegates to the kind's reconciliation policy
func (d *Descriptor) Manage(ctx context.Context) error {
	return d.kind.Manage(ctx, d)
}

// KindStart and KindStop dispatch through the kind so its own logic runs
func (d *Descriptor) KindStart(ctx context.Context, flags StartFlags) error {
	return d.kind.Start(ctx, d, flags)
}

func (d *Descriptor) KindStop(ctx context.Context, sig syscall.Signal) error {
	return d.kind.Stop(ctx, d, sig)
}

// Start spawns the daemon unless it already runs. It never marks the service
// online; that happens only when the connection comes up.
func (d *Descriptor) Start(ctx context.Context, flags StartFlags, extraArgs []string) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.IsRunning() {
		d.logger.Debugf("Already running")
		d.armConnection()
		return nil
	}

	if err := d.ensureVolfile(ctx); err != nil {
		return err
	}

	execution, err := d.buildExecution(ctx, extraArgs)
	if err != nil {
		return err
	}

	switch flags {
	case StartWait:
		err = cluster.WithoutLock(ctx, func() error {
			return process.Run(ctx, execution, d.name, d.logger)
		})
	default:
		var launched *os.Process
		launched, err = process.Start(ctx, execution, d.name, d.logger)
		if err == nil {
			d.lastPID.Store(int64(launched.Pid))
		}
	}
	if err != nil {
		d.logger.Errorf("Unable to start, error: %v", err)
		return err
	}

	d.armConnection()
	return nil
}

// Stop terminates the daemon with escalating force. The connection and
// socket file are released only after the process is confirmed gone.
func (d *Descriptor) Stop(ctx context.Context, sig syscall.Signal) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.proc.Stop(ctx, sig, true); err != nil {
		d.logger.Errorf("Unable to stop, error: %v", err)
		return err
	}
	// The launched process may not have written its pid file yet
	if pid := int(d.lastPID.Load()); pid > 0 {
		if alive, _ := processstate.IsProcessRunning(pid); alive {
			if err := d.proc.StopPID(ctx, pid, sig, true); err != nil {
				d.logger.Errorf("Unable to stop launched process, PID: %d, error: %v", pid, err)
				return err
			}
		}
	}
	d.lastPID.Store(0)

	if err := d.conn.Disconnect(); err != nil {
		d.logger.Warnf("Socket cleanup failed, error: %v", err)
	}

	d.mu.Lock()
	d.online = false
	d.mu.Unlock()

	d.logger.Infof("Stopped")
	return nil
}

// Reconfigure regenerates the volfile and asks the running daemon to refetch it.
// The refetch request is sent in the background so callers may hold the coordination lock.
// It never restarts the daemon; an unreachable daemon picks the volfile up on its next start.
func (d *Descriptor) Reconfigure(ctx context.Context, regenerate func(ctx context.Context) error) error {
	if regenerate == nil {
		regenerator, ok := d.kind.(VolfileRegenerator)
		if !ok {
			return errors.NewVolfileMissingError("kind cannot regenerate volfile", nil).WithContext("service", d.name)
		}
		regenerate = func(ctx context.Context) error { return regenerator.RegenerateVolfile(ctx, d) }
	}

	if err := regenerate(ctx); err != nil {
		d.logger.Errorf("Volfile regeneration failed, error: %v", err)
		return err
	}

	if err := d.conn.RequestFetchSpec(); err != nil {
		d.logger.Warnf("Daemon not notified of new volfile, error: %v", err)
		d.armConnection()
		return nil
	}
	d.logger.Infof("Reconfigured")
	return nil
}

// Status reports the service row shown by the manager
func (d *Descriptor) Status() domain.ServiceStatus {
	status := domain.ServiceStatus{
		Name:    d.name,
		Kind:    d.kindTyp,
		Running: d.IsRunning(),
		Online:  d.Online(),
	}
	if pid, err := d.proc.PID(); err == nil && status.Running {
		status.PID = pid
	}
	return status
}

// Release drops the descriptor from the registry and closes its connection,
// leaving the daemon and its socket in place
func (d *Descriptor) Release() {
	d.conn.Close()
	if d.registry != nil {
		d.registry.Remove(d)
	}
}

// setOnline applies a connection event and reports whether state changed
func (d *Descriptor) setOnline(online bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online == online {
		return false
	}
	d.online = online
	return true
}

func (d *Descriptor) armConnection() {
	if err := d.conn.Connect(); err != nil {
		d.logger.Warnf("Connection not armed, error: %v", err)
	}
}

func (d *Descriptor) ensureVolfile(ctx context.Context) error {
	if d.proc.HasVolfile() {
		return nil
	}

	regenerator, ok := d.kind.(VolfileRegenerator)
	if !ok {
		return errors.NewVolfileMissingError("volfile does not exist", nil).WithContext("volfile", d.proc.VolFile())
	}

	d.logger.Infof("Volfile missing, regenerating, volfile: %s", d.proc.VolFile())
	if err := regenerator.RegenerateVolfile(ctx, d); err != nil {
		return errors.NewVolfileMissingError("volfile regeneration failed", err).WithContext("volfile", d.proc.VolFile())
	}
	if !d.proc.HasVolfile() {
		return errors.NewVolfileMissingError("volfile still missing after regeneration", nil).WithContext("volfile", d.proc.VolFile())
	}
	return nil
}

func (d *Descriptor) buildExecution(ctx context.Context, extraArgs []string) (process.ExecutionConfig, error) {
	sbinDir := d.cc.SbinDir
	if sbinDir == "" {
		sbinDir = DefaultSbinDir
	}
	executable := filepath.Join(sbinDir, DefaultExecutable)
	if custom, ok := d.kind.(Executable); ok {
		executable = custom.Executable(sbinDir)
	}

	args := []string{
		"-s", d.proc.ListenAddress(),
		"--volfile-id", d.proc.VolfileID(),
		"-p", d.proc.PIDFile(),
		"-l", d.proc.LogFile(),
		"-S", d.conn.SocketPath(),
	}

	if provider, ok := d.kind.(ArgsProvider); ok {
		kindArgs, err := provider.Args(ctx, d)
		if err != nil {
			return process.ExecutionConfig{}, err
		}
		args = append(args, kindArgs...)
	}

	execution := process.ExecutionConfig{
		ExecutablePath: executable,
		Args:           args,
	}

	if d.cc.MemoryDebug {
		execution = execution.Wrap(memoryDebugLauncher,
			"--leak-check=full",
			"--trace-children=yes",
			"--track-origins=yes",
			"--log-file="+svcpath.MemoryDebugLogFile(d.proc.LogDir(), d.name),
		)
	}

	execution.Args = append(execution.Args, extraArgs...)
	return execution, nil
}

// PortArgs renders the listener options for a daemon bound to port
func PortArgs(volume string, port int) []string {
	p := strconv.Itoa(port)
	return []string{
		"--brick-port", p,
		"--xlator-option", volume + "-server.listen-port=" + p,
	}
}
