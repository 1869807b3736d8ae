package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/connmgr"
	"github.com/core-tools/hsu-svcmgr/pkg/control"
	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/processstate"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// ===== TEST INFRASTRUCTURE =====

// fakeDaemon records its argv next to itself, writes its pid file and sleeps
const fakeDaemon = `#!/bin/sh
echo "$@" >> "$0.argv"
pidfile=""
while [ $# -gt 0 ]; do
	case "$1" in
		-p) pidfile="$2"; shift 2 ;;
		*) shift ;;
	esac
done
echo $$ > "$pidfile"
exec sleep 300
`

// daemonizingDaemon forks the real daemon and exits, like a classic unix daemon
const daemonizingDaemon = `#!/bin/sh
echo "$@" >> "$0.argv"
pidfile=""
while [ $# -gt 0 ]; do
	case "$1" in
		-p) pidfile="$2"; shift 2 ;;
		*) shift ;;
	esac
done
sleep 300 &
echo $! > "$pidfile"
`

// lateDaemon writes its pid file only a second after launch
const lateDaemon = `#!/bin/sh
echo "$@" >> "$0.argv"
pidfile=""
while [ $# -gt 0 ]; do
	case "$1" in
		-p) pidfile="$2"; shift 2 ;;
		*) shift ;;
	esac
done
sleep 1
echo $$ > "$pidfile"
exec sleep 300
`

const failingDaemon = `#!/bin/sh
echo "$@" >> "$0.argv"
exit 1
`

type TestLogger struct {
	mu    sync.Mutex
	infos []string
}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, fmt.Sprintf(format, args...))
}

func (l *TestLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.infos {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type testKind struct {
	BaseKind
	regenerate func(d *Descriptor) error
	args       []string
	argsErr    error
}

func (k *testKind) Manage(ctx context.Context, d *Descriptor) error {
	return d.KindStart(ctx, StartNoWait)
}

type regeneratingKind struct {
	testKind
}

func (k *regeneratingKind) RegenerateVolfile(_ context.Context, d *Descriptor) error {
	return k.regenerate(d)
}

type argsKind struct {
	testKind
}

func (k *argsKind) Args(context.Context, *Descriptor) ([]string, error) {
	return k.args, k.argsErr
}

type fixture struct {
	cc      *cluster.Context
	bridge  *NotifyBridge
	logger  *TestLogger
	sbinDir string
}

func newFixture(t *testing.T, daemonScript string) *fixture {
	t.Helper()

	// Short root keeps the control socket under the sun_path limit
	root, err := os.MkdirTemp("", "sv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	sbinDir := filepath.Join(root, "sbin")
	require.NoError(t, os.MkdirAll(sbinDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sbinDir, DefaultExecutable), []byte(daemonScript), 0755))

	cc := &cluster.Context{
		Workdir:         filepath.Join(root, "w"),
		LogDir:          filepath.Join(root, "log"),
		RunDir:          filepath.Join(root, "run"),
		SbinDir:         sbinDir,
		NodeID:          uuid.NewString(),
		OpVersion:       30700,
		ReconnectWindow: 30 * time.Second,
		GracefulTimeout: 2 * time.Second,
		Lock:            cluster.NewLock(),
	}
	require.NoError(t, cc.Validate())

	logger := &TestLogger{}
	return &fixture{
		cc:      cc,
		bridge:  NewNotifyBridge(NewRegistry(), logger),
		logger:  logger,
		sbinDir: sbinDir,
	}
}

func (f *fixture) newDescriptor(t *testing.T, name string, kind Kind) *Descriptor {
	t.Helper()
	d, err := New(f.cc, Options{Name: name, Type: "test", Kind: kind}, f.bridge, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Stop(context.Background(), syscall.SIGKILL)
	})
	return d
}

func (f *fixture) writeVolfile(t *testing.T, d *Descriptor) {
	t.Helper()
	require.NoError(t, os.WriteFile(d.Process().VolFile(), []byte("volume test\nend-volume\n"), 0644))
}

func (f *fixture) spawns(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.sbinDir, DefaultExecutable) + ".argv")
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func waitRunning(t *testing.T, d *Descriptor) {
	t.Helper()
	require.Eventually(t, d.Process().IsRunning, 5*time.Second, 10*time.Millisecond)
}

type fetchCounter struct {
	mu    sync.Mutex
	calls int
}

func (f *fetchCounter) FetchSpec(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fetchCounter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingFetcher accepts FetchSpec and answers only once released
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *blockingFetcher) FetchSpec(ctx context.Context) error {
	f.once.Do(func() { close(f.entered) })
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return nil
}

// serveControlSocket plays the daemon side of the control socket
func serveControlSocket(t *testing.T, socketPath string, handler domain.DaemonContract) *grpc.Server {
	t.Helper()
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	server := grpc.NewServer()
	control.RegisterDaemonServerHandler(server, handler, logging.NewNopLogger())
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return server
}

// ===== CONSTRUCTION =====

func TestNew_Layout(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	assert.Equal(t, filepath.Join(f.cc.Workdir, "quotad", "run", "quotad.pid"), d.Process().PIDFile())
	assert.Equal(t, filepath.Join(f.cc.Workdir, "quotad", "quotad-server.vol"), d.Process().VolFile())
	assert.Equal(t, filepath.Join(f.cc.LogDir, "quotad.log"), d.Process().LogFile())
	assert.Equal(t, "gluster/quotad", d.Process().VolfileID())
	assert.Equal(t, filepath.Join(f.cc.Workdir, "quotad", "run", f.cc.NodeID+".sock"), d.SocketPath())
	assert.DirExists(t, filepath.Join(f.cc.Workdir, "quotad", "run"))
	assert.False(t, d.Online())

	got, ok := f.bridge.Registry().ByConnection(d.SocketPath())
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestNew_ReconnectsToRunningDaemon(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	d.Release()

	// A fresh descriptor stands in for a restarted manager
	bridge := NewNotifyBridge(NewRegistry(), f.logger)
	again, err := New(f.cc, Options{Name: "quotad", Type: "test", Kind: &testKind{}}, bridge, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(again.Release)
	assert.True(t, again.IsRunning())
	assert.Equal(t, d.SocketPath(), again.SocketPath())

	serveControlSocket(t, again.SocketPath(), &fetchCounter{})
	require.Eventually(t, again.Online, 10*time.Second, 20*time.Millisecond)
	assert.Len(t, f.spawns(t), 1)
}

func TestNew_Errors(t *testing.T) {
	f := newFixture(t, fakeDaemon)

	_, err := New(f.cc, Options{Name: strings.Repeat("q", 256), Kind: &testKind{}}, f.bridge, logging.NewNopLogger())
	assert.True(t, errors.IsConfigError(err))

	_, err = New(f.cc, Options{Name: "quotad"}, f.bridge, logging.NewNopLogger())
	assert.True(t, errors.IsConfigError(err))

	f.newDescriptor(t, "quotad", &testKind{})
	_, err = New(f.cc, Options{Name: "quotad", Kind: &testKind{}}, f.bridge, logging.NewNopLogger())
	assert.True(t, errors.IsConflictError(err))

	// A file where the service directory should be
	blocker := filepath.Join(f.cc.Workdir, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = New(f.cc, Options{Name: "blocked", Kind: &testKind{}}, f.bridge, logging.NewNopLogger())
	assert.True(t, errors.IsDirectoryCreateError(err))
}

// ===== START =====

func TestStart_CommandLine(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	kind := &argsKind{testKind: testKind{args: PortArgs("vol0", 49152)}}
	d := f.newDescriptor(t, "vol0-snapd", kind)
	f.writeVolfile(t, d)

	require.NoError(t, d.Start(context.Background(), StartNoWait, []string{"--extra", "last"}))
	waitRunning(t, d)

	expected := strings.Join([]string{
		"-s", "localhost",
		"--volfile-id", "gluster/vol0-snapd",
		"-p", d.Process().PIDFile(),
		"-l", d.Process().LogFile(),
		"-S", d.SocketPath(),
		"--brick-port", "49152",
		"--xlator-option", "vol0-server.listen-port=49152",
		"--extra", "last",
	}, " ")
	assert.Equal(t, []string{expected}, f.spawns(t))
}

func TestStart_TwiceSpawnsOnce(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))

	assert.Len(t, f.spawns(t), 1)
	assert.False(t, d.Online())
}

func TestStart_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Start(context.Background(), StartNoWait, nil))
		}()
	}
	wg.Wait()
	waitRunning(t, d)

	assert.Len(t, f.spawns(t), 1)
}

func TestStart_VolfileMissing(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	err := d.Start(context.Background(), StartNoWait, nil)
	assert.True(t, errors.IsVolfileMissingError(err))
	assert.Empty(t, f.spawns(t))
}

func TestStart_VolfileRegenerated(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	kind := &regeneratingKind{}
	kind.regenerate = func(d *Descriptor) error {
		return os.WriteFile(d.Process().VolFile(), []byte("volume regenerated\n"), 0644)
	}
	d := f.newDescriptor(t, "vol0-snapd", kind)

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	assert.FileExists(t, d.Process().VolFile())
	assert.Len(t, f.spawns(t), 1)
}

func TestStart_VolfileRegenerationFails(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	kind := &regeneratingKind{}
	kind.regenerate = func(*Descriptor) error { return fmt.Errorf("volgen failed") }
	d := f.newDescriptor(t, "vol0-snapd", kind)

	err := d.Start(context.Background(), StartNoWait, nil)
	assert.True(t, errors.IsVolfileMissingError(err))
	assert.Empty(t, f.spawns(t))
}

func TestStart_PortAllocationFails(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	kind := &argsKind{testKind: testKind{argsErr: errors.NewPortAllocationError("no free port", nil)}}
	d := f.newDescriptor(t, "vol0-snapd", kind)
	f.writeVolfile(t, d)

	err := d.Start(context.Background(), StartNoWait, nil)
	assert.True(t, errors.IsPortAllocationError(err))
	assert.Empty(t, f.spawns(t))
}

func TestStart_SpawnFails(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	require.NoError(t, os.Remove(filepath.Join(f.sbinDir, DefaultExecutable)))
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	err := d.Start(context.Background(), StartNoWait, nil)
	assert.True(t, errors.IsSpawnError(err))
}

// ===== SYNCHRONOUS START AND THE COORDINATION LOCK =====

func TestStartWait_LockStateUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{"success", daemonizingDaemon, false},
		{"failure", failingDaemon, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.script)
			d := f.newDescriptor(t, "quotad", &testKind{})
			f.writeVolfile(t, d)

			_ = f.cc.Lock.Run(context.Background(), func(ctx context.Context) error {
				before := f.cc.Lock.Held()
				err := d.Start(ctx, StartWait, nil)
				after := f.cc.Lock.Held()

				assert.True(t, before)
				assert.Equal(t, before, after)
				if tt.wantErr {
					assert.True(t, errors.IsSpawnError(err))
				} else {
					assert.NoError(t, err)
				}
				return nil
			})

			if !tt.wantErr {
				pid, err := d.Process().PID()
				require.NoError(t, err)
				t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })
			}
		})
	}
}

func TestStartWait_ReleasesLockDuringSpawn(t *testing.T) {
	// The daemon blocks until another request has taken the lock
	f := newFixture(t, `#!/bin/sh
touch "$0.started"
while [ ! -f "$0.go" ]; do sleep 0.02; done
exit 0
`)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)
	script := filepath.Join(f.sbinDir, DefaultExecutable)

	done := make(chan error, 1)
	go func() {
		done <- f.cc.Lock.Run(context.Background(), func(ctx context.Context) error {
			return d.Start(ctx, StartWait, nil)
		})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(script + ".started")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// Another request gets the lock while the spawn is in flight
	acquired := make(chan struct{})
	go func() {
		_ = f.cc.Lock.Run(context.Background(), func(context.Context) error {
			close(acquired)
			return os.WriteFile(script+".go", nil, 0644)
		})
	}()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("coordination lock held across synchronous spawn")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("synchronous start did not finish")
	}
}

// ===== STOP =====

func TestStop_ThenStartGoesOnline(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	firstPID, err := d.Process().PID()
	require.NoError(t, err)

	require.NoError(t, d.Stop(context.Background(), syscall.SIGTERM))
	assert.False(t, d.Process().IsRunning())
	assert.False(t, d.Online())
	assert.NoFileExists(t, d.SocketPath())

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	secondPID, err := d.Process().PID()
	require.NoError(t, err)
	assert.NotEqual(t, firstPID, secondPID)
	assert.Len(t, f.spawns(t), 2)

	// The daemon's control socket comes up some time after spawn
	assert.False(t, d.Online())
	serveControlSocket(t, d.SocketPath(), &fetchCounter{})
	require.Eventually(t, d.Online, 10*time.Second, 20*time.Millisecond)
}

func TestStop_FailureLeavesConnectionState(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	// An unreadable pid file makes termination impossible to confirm
	require.NoError(t, os.MkdirAll(d.Process().PIDFile(), 0755))
	require.NoError(t, os.WriteFile(d.SocketPath(), nil, 0600))
	f.bridge.Notify(d.SocketPath(), connmgr.EventConnect)
	require.True(t, d.Online())

	err := d.Stop(context.Background(), syscall.SIGTERM)
	assert.True(t, errors.IsStopError(err))
	assert.True(t, d.Online())
	assert.FileExists(t, d.SocketPath())

	require.NoError(t, os.Remove(d.Process().PIDFile()))
}

func TestStop_BeforePIDFileWritten(t *testing.T) {
	f := newFixture(t, lateDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	launched := int(d.lastPID.Load())
	require.NotZero(t, launched)
	assert.True(t, d.IsRunning())
	assert.False(t, d.Process().IsRunning())
	assert.True(t, d.Status().Running)

	require.NoError(t, d.Stop(context.Background(), syscall.SIGTERM))
	alive, _ := processstate.IsProcessRunning(launched)
	assert.False(t, alive)
	assert.False(t, d.IsRunning())
	assert.False(t, d.Status().Running)

	// The stopped launch never gets to write its pid file
	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, d.Process().PIDFile())

	require.NoError(t, d.Start(context.Background(), StartNoWait, nil))
	waitRunning(t, d)
	assert.Len(t, f.spawns(t), 2)
}

func TestStop_NotRunningIsIdempotent(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	require.NoError(t, d.Stop(context.Background(), syscall.SIGTERM))
	require.NoError(t, d.Stop(context.Background(), syscall.SIGTERM))
	assert.False(t, d.Online())
}

// ===== RECONFIGURE =====

func TestReconfigure(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	counter := &fetchCounter{}
	serveControlSocket(t, d.SocketPath(), counter)
	require.NoError(t, d.Connection().Connect())
	require.Eventually(t, d.Online, 10*time.Second, 20*time.Millisecond)

	regenerated := false
	require.NoError(t, d.Reconfigure(context.Background(), func(context.Context) error {
		regenerated = true
		return os.WriteFile(d.Process().VolFile(), []byte("volume new\n"), 0644)
	}))
	assert.True(t, regenerated)
	require.Eventually(t, func() bool { return counter.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.spawns(t), "reconfigure never spawns")
}

func TestReconfigure_RegenerationFails(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	counter := &fetchCounter{}
	serveControlSocket(t, d.SocketPath(), counter)
	require.NoError(t, d.Connection().Connect())
	require.Eventually(t, d.Online, 10*time.Second, 20*time.Millisecond)

	boom := errors.NewIOError("disk full", nil)
	err := d.Reconfigure(context.Background(), func(context.Context) error { return boom })
	assert.Equal(t, boom, err)
	assert.Zero(t, counter.count())

	data, readErr := os.ReadFile(d.Process().VolFile())
	require.NoError(t, readErr)
	assert.Equal(t, "volume test\nend-volume\n", string(data))
}

func TestReconfigure_SlowDaemonDoesNotHoldLock(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	fetcher := newBlockingFetcher()
	serveControlSocket(t, d.SocketPath(), fetcher)
	defer close(fetcher.release)
	require.NoError(t, d.Connection().Connect())
	require.Eventually(t, d.Online, 10*time.Second, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- f.cc.Lock.Run(context.Background(), func(ctx context.Context) error {
			return d.Reconfigure(ctx, func(context.Context) error { return nil })
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconfigure blocked on the daemon")
	}

	select {
	case <-fetcher.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never asked to refetch")
	}

	// The daemon is still answering; other requests get the lock
	assert.False(t, f.cc.Lock.Held())
	require.NoError(t, f.cc.Lock.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestReconfigure_DaemonUnreachable(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	assert.NoError(t, d.Reconfigure(context.Background(), func(context.Context) error { return nil }))
}

func TestReconfigure_UsesKindRegenerator(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	calls := 0
	kind := &regeneratingKind{}
	kind.regenerate = func(*Descriptor) error {
		calls++
		return nil
	}
	d := f.newDescriptor(t, "vol0-snapd", kind)

	require.NoError(t, d.Reconfigure(context.Background(), nil))
	assert.Equal(t, 1, calls)

	plain := f.newDescriptor(t, "quotad", &testKind{})
	assert.True(t, errors.IsVolfileMissingError(plain.Reconfigure(context.Background(), nil)))
}

// ===== NOTIFY BRIDGE =====

func TestNotifyBridge_Transitions(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	id := d.SocketPath()

	// Offline + disconnect: no-op
	f.bridge.Notify(id, connmgr.EventDisconnect)
	assert.False(t, d.Online())
	assert.Zero(t, f.logger.count("disconnected"))

	// Offline + connect: online, one log
	f.bridge.Notify(id, connmgr.EventConnect)
	assert.True(t, d.Online())
	assert.Equal(t, 1, f.logger.count("has connected"))

	// Online + connect: no-op
	f.bridge.Notify(id, connmgr.EventConnect)
	assert.True(t, d.Online())
	assert.Equal(t, 1, f.logger.count("has connected"))

	// Online + disconnect: offline, one log
	f.bridge.Notify(id, connmgr.EventDisconnect)
	assert.False(t, d.Online())
	assert.Equal(t, 1, f.logger.count("has disconnected"))

	// Cycles for the lifetime of the descriptor
	f.bridge.Notify(id, connmgr.EventConnect)
	assert.True(t, d.Online())
	assert.Equal(t, 2, f.logger.count("has connected"))
}

func TestNotifyBridge_UnknownConnection(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	assert.NotPanics(t, func() {
		f.bridge.Notify("/nowhere.sock", connmgr.EventConnect)
	})
}

func TestNotifyBridge_ConcurrentEvents(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := connmgr.EventConnect
			if i%2 == 1 {
				event = connmgr.EventDisconnect
			}
			f.bridge.Notify(d.SocketPath(), event)
		}(i)
	}
	wg.Wait()

	// Every real transition logged exactly once, alternating
	connects := f.logger.count("has connected")
	disconnects := f.logger.count("has disconnected")
	if d.Online() {
		assert.Equal(t, connects, disconnects+1)
	} else {
		assert.Equal(t, connects, disconnects)
	}
}

// ===== REGISTRY / RELEASE =====

func TestRegistry_ListAndRelease(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	b := f.newDescriptor(t, "scrub", &testKind{})
	a := f.newDescriptor(t, "bitd", &testKind{})

	list := f.bridge.Registry().List()
	require.Len(t, list, 2)
	assert.Equal(t, "bitd", list[0].Name())
	assert.Equal(t, "scrub", list[1].Name())

	a.Release()
	_, ok := f.bridge.Registry().Get("bitd")
	assert.False(t, ok)
	_, ok = f.bridge.Registry().ByConnection(a.SocketPath())
	assert.False(t, ok)

	_, ok = f.bridge.Registry().Get(b.Name())
	assert.True(t, ok)
}

// ===== COMMAND ASSEMBLY =====

func TestBuildExecution_MemoryDebug(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	f.cc.MemoryDebug = true
	d := f.newDescriptor(t, "quotad", &testKind{})

	execution, err := d.buildExecution(context.Background(), []string{"--extra"})
	require.NoError(t, err)

	argv := execution.Argv()
	assert.Equal(t, []string{
		"valgrind",
		"--leak-check=full",
		"--trace-children=yes",
		"--track-origins=yes",
		"--log-file=" + filepath.Join(f.cc.LogDir, "valgrind-quotad.log"),
		filepath.Join(f.sbinDir, DefaultExecutable),
	}, argv[:6])
	assert.Equal(t, "--extra", argv[len(argv)-1])
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fakeDaemon)
	d := f.newDescriptor(t, "quotad", &testKind{})
	f.writeVolfile(t, d)

	status := d.Status()
	assert.Equal(t, "quotad", status.Name)
	assert.Equal(t, "test", status.Kind)
	assert.False(t, status.Running)
	assert.Zero(t, status.PID)

	require.NoError(t, d.Manage(context.Background()))
	waitRunning(t, d)

	pid, err := d.Process().PID()
	require.NoError(t, err)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, pid, status.PID)
}
