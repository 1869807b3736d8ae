package service

import (
	"context"
	"syscall"
)

// Kind is the per-daemon-kind behavior selected when a descriptor is built
type Kind interface {
	// Manage reconciles the daemon with current cluster state: start, stop or reconfigure
	Manage(ctx context.Context, d *Descriptor) error
	Start(ctx context.Context, d *Descriptor, flags StartFlags) error
	Stop(ctx context.Context, d *Descriptor, sig syscall.Signal) error
}

// VolfileRegenerator is implemented by kinds that can rebuild a missing volfile
type VolfileRegenerator interface {
	RegenerateVolfile(ctx context.Context, d *Descriptor) error
}

// ArgsProvider is implemented by kinds that append their own arguments to the spawn command
type ArgsProvider interface {
	Args(ctx context.Context, d *Descriptor) ([]string, error)
}

// Executable is implemented by kinds that run something other than the default daemon binary
type Executable interface {
	Executable(sbinDir string) string
}

// BaseKind supplies plain start and stop; embed it and add Manage
type BaseKind struct{}

func (BaseKind) Start(ctx context.Context, d *Descriptor, flags StartFlags) error {
	return d.Start(ctx, flags, nil)
}

func (BaseKind) Stop(ctx context.Context, d *Descriptor, sig syscall.Signal) error {
	return d.Stop(ctx, sig)
}
