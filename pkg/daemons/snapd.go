package daemons

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/service"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"
	"github.com/core-tools/hsu-svcmgr/pkg/volgen"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"
)

const SnapdExecutable = "glusterfsd"

// snapdKind serves user-visible snapshots of one volume
type snapdKind struct {
	service.BaseKind
	volume string
	store  *volstore.Store
	ports  cluster.PortAllocator
}

// SnapdName returns the service name of the snapshot daemon of volume
func SnapdName(volume string) string {
	return volume + "-snapd"
}

func NewSnapd(deps Deps, volume string) (*service.Descriptor, error) {
	if err := svcpath.ValidateName(volume); err != nil {
		return nil, err
	}
	if deps.Cluster.Ports == nil {
		return nil, errors.NewConfigError("snapd requires a port allocator", nil).WithContext("volume", volume)
	}

	kind := &snapdKind{
		volume: volume,
		store:  deps.Store,
		ports:  deps.Cluster.Ports,
	}
	return service.New(deps.Cluster, service.Options{
		Name:    SnapdName(volume),
		Type:    TypeSnapd,
		Workdir: volstore.VolumeDir(deps.Cluster.Workdir, volume),
		Kind:    kind,
	}, deps.Bridge, deps.Logger)
}

func (k *snapdKind) Executable(sbinDir string) string {
	return filepath.Join(sbinDir, SnapdExecutable)
}

// Args allocates the listener port on first use and reuses it afterwards
func (k *snapdKind) Args(_ context.Context, d *service.Descriptor) ([]string, error) {
	port, err := k.ports.Allocate(d.Name())
	if err != nil {
		return nil, err
	}
	args := []string{"--brick-name", "snapd-" + k.volume}
	return append(args, service.PortArgs(k.volume, port)...), nil
}

func (k *snapdKind) RegenerateVolfile(_ context.Context, d *service.Descriptor) error {
	volume, err := k.store.Get(k.volume)
	if err != nil {
		return err
	}
	port, err := k.ports.Allocate(d.Name())
	if err != nil {
		return err
	}
	return volgen.Write(d.Process().VolFile(), volgen.Snapd(volume, port))
}

// Manage runs snapd while the volume is started with user-serviceable snapshots on
func (k *snapdKind) Manage(ctx context.Context, d *service.Descriptor) error {
	volume, err := k.store.Get(k.volume)
	wanted := err == nil && volume.IsStarted() && volume.IsEnabled(volstore.KeyFeaturesUSS)

	if !wanted {
		if d.IsRunning() {
			if err := d.KindStop(ctx, syscall.SIGTERM); err != nil {
				return err
			}
		}
		k.ports.Release(d.Name())
		return nil
	}

	if _, err := k.ports.Allocate(d.Name()); err != nil {
		return err
	}
	if d.IsRunning() {
		return d.Reconfigure(ctx, nil)
	}
	return d.KindStart(ctx, service.StartNoWait)
}
