package daemons

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/portmap"
	"github.com/core-tools/hsu-svcmgr/pkg/service"
	"github.com/core-tools/hsu-svcmgr/pkg/volgen"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== TEST INFRASTRUCTURE =====

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

type failingPorts struct{}

func (failingPorts) Allocate(owner string) (int, error) {
	return 0, errors.NewPortAllocationError("no free port", nil).WithContext("owner", owner)
}
func (failingPorts) Release(string) {}

type fixture struct {
	deps    Deps
	ports   *portmap.Registry
	sbinDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root, err := os.MkdirTemp("", "dm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	sbinDir := filepath.Join(root, "sbin")
	require.NoError(t, os.MkdirAll(sbinDir, 0755))
	for _, exe := range []string{service.DefaultExecutable, SnapdExecutable} {
		require.NoError(t, os.WriteFile(filepath.Join(sbinDir, exe), []byte(fakeDaemon), 0755))
	}

	ports := portmap.New(logging.NewNopLogger())
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
		Ports:           ports,
	}
	require.NoError(t, cc.Validate())
	require.NoError(t, os.MkdirAll(cc.Workdir, 0755))

	store, err := volstore.Open(cc.Workdir, logging.NewNopLogger())
	require.NoError(t, err)

	logger := logging.NewNopLogger()
	return &fixture{
		deps: Deps{
			Cluster: cc,
			Bridge:  service.NewNotifyBridge(service.NewRegistry(), logger),
			Store:   store,
			Logger:  logger,
		},
		ports:   ports,
		sbinDir: sbinDir,
	}
}

func (f *fixture) build(t *testing.T, typ, volume string) *service.Descriptor {
	t.Helper()
	d, err := New(f.deps, typ, volume)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Stop(context.Background(), syscall.SIGKILL)
		d.Release()
	})
	return d
}

func (f *fixture) putVolume(t *testing.T, name string, status volstore.Status, options map[string]string) {
	t.Helper()
	v := &volstore.Volume{Name: name, Status: status}
	for k, val := range options {
		v.SetOption(k, val)
	}
	require.NoError(t, f.deps.Store.Put(v))
}

func (f *fixture) argv(t *testing.T, exe string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.sbinDir, exe) + ".argv")
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func waitRunning(t *testing.T, d *service.Descriptor) {
	t.Helper()
	require.Eventually(t, d.Process().IsRunning, 5*time.Second, 10*time.Millisecond)
}

// ===== CONSTRUCTION =====

func TestNew_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.deps, "nfsd", "")
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestNew_Layout(t *testing.T) {
	f := newFixture(t)
	cc := f.deps.Cluster

	quotad := f.build(t, TypeQuotad, "")
	assert.Equal(t, "quotad", quotad.Name())
	assert.Equal(t, filepath.Join(cc.Workdir, "quotad", "quotad-server.vol"), quotad.Process().VolFile())

	snapd := f.build(t, TypeSnapd, "vol0")
	assert.Equal(t, "vol0-snapd", snapd.Name())
	assert.Equal(t, TypeSnapd, snapd.Type())
	assert.Equal(t, filepath.Join(cc.Workdir, "vols", "vol0", "vol0-snapd", "run", "vol0-snapd.pid"), snapd.Process().PIDFile())
}

func TestNewSnapd_RequiresPorts(t *testing.T) {
	f := newFixture(t)
	f.deps.Cluster.Ports = nil
	_, err := NewSnapd(f.deps, "vol0")
	assert.True(t, errors.IsConfigError(err))
}

func TestNewSnapd_RejectsUnsafeVolume(t *testing.T) {
	f := newFixture(t)
	_, err := NewSnapd(f.deps, "../vol0")
	assert.True(t, errors.IsConfigError(err))
}

// ===== AGGREGATE DAEMONS =====

func TestQuotad_ManageIdleWithoutVolumes(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, TypeQuotad, "")

	f.putVolume(t, "vol0", volstore.StatusStopped, map[string]string{volstore.KeyFeaturesQuota: "on"})
	require.NoError(t, d.Manage(context.Background()))

	assert.False(t, d.IsRunning())
	assert.Empty(t, f.argv(t, service.DefaultExecutable))
}

func TestQuotad_ManageStartsThenStops(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, TypeQuotad, "")
	ctx := context.Background()

	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{volstore.KeyFeaturesQuota: "on"})
	require.NoError(t, d.Manage(ctx))
	waitRunning(t, d)

	vf, err := volgen.Read(d.Process().VolFile())
	require.NoError(t, err)
	assert.Equal(t, "vol0-quotad", vf.Translators[0].Name)
	assert.Contains(t, f.argv(t, service.DefaultExecutable), "--volfile-id gluster/quotad")

	// Managing again while running does not spawn a second daemon
	require.NoError(t, d.Manage(ctx))
	assert.Len(t, strings.Split(strings.TrimSpace(f.argv(t, service.DefaultExecutable)), "\n"), 1)

	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{volstore.KeyFeaturesQuota: "off"})
	require.NoError(t, d.Manage(ctx))
	assert.False(t, d.IsRunning())
	assert.NoFileExists(t, d.Process().PIDFile())
}

func TestBitdAndScrub_FollowBitrot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bitd := f.build(t, TypeBitd, "")
	scrub := f.build(t, TypeScrub, "")

	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{
		volstore.KeyFeaturesBitrot:        "on",
		volstore.KeyFeaturesScrubThrottle: "lazy",
	})
	require.NoError(t, bitd.Manage(ctx))
	require.NoError(t, scrub.Manage(ctx))
	waitRunning(t, bitd)
	waitRunning(t, scrub)

	vf, err := volgen.Read(scrub.Process().VolFile())
	require.NoError(t, err)
	assert.Equal(t, "true", vf.Translators[0].Options["scrubber"])
	assert.Equal(t, "lazy", vf.Translators[0].Options["scrub-throttle"])

	vf, err = volgen.Read(bitd.Process().VolFile())
	require.NoError(t, err)
	assert.Empty(t, vf.Translators[0].Options["scrubber"])
}

// ===== SNAPD =====

func TestSnapd_StartsWithPortArgs(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, TypeSnapd, "vol0")
	ctx := context.Background()

	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{volstore.KeyFeaturesUSS: "on"})
	require.NoError(t, d.Manage(ctx))
	waitRunning(t, d)

	port, ok := f.ports.Lookup(d.Name())
	require.True(t, ok)

	argv := f.argv(t, SnapdExecutable)
	assert.Contains(t, argv, "--brick-name snapd-vol0")
	assert.Contains(t, argv, "--brick-port "+strconv.Itoa(port))
	assert.Contains(t, argv, "--xlator-option vol0-server.listen-port="+strconv.Itoa(port))
	assert.Empty(t, f.argv(t, service.DefaultExecutable))

	vf, err := volgen.Read(d.Process().VolFile())
	require.NoError(t, err)
	assert.Equal(t, "vol0-snapd", vf.Service)

	// Disabling snapshots stops the daemon and frees the port
	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{volstore.KeyFeaturesUSS: "off"})
	require.NoError(t, d.Manage(ctx))
	assert.False(t, d.IsRunning())
	_, ok = f.ports.Lookup(d.Name())
	assert.False(t, ok)
}

func TestSnapd_MissingVolumeIsStopped(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, TypeSnapd, "ghost")

	require.NoError(t, d.Manage(context.Background()))
	assert.False(t, d.IsRunning())
}

func TestSnapd_PortAllocationFailure(t *testing.T) {
	f := newFixture(t)
	f.deps.Cluster.Ports = failingPorts{}
	d := f.build(t, TypeSnapd, "vol0")

	f.putVolume(t, "vol0", volstore.StatusStarted, map[string]string{volstore.KeyFeaturesUSS: "on"})
	err := d.Manage(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsPortAllocationError(err))
	assert.False(t, d.IsRunning())
	assert.Empty(t, f.argv(t, SnapdExecutable))
}
