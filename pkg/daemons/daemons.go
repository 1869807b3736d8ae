// Package daemons provides the concrete daemon kinds supervised by the manager.
package daemons

import (
	"context"
	"syscall"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/service"
	"github.com/core-tools/hsu-svcmgr/pkg/volgen"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"
)

const (
	TypeQuotad = "quotad"
	TypeBitd   = "bitd"
	TypeScrub  = "scrub"
	TypeSnapd  = "snapd"
)

// Deps are the collaborators every kind is built from
type Deps struct {
	Cluster *cluster.Context
	Bridge  *service.NotifyBridge
	Store   *volstore.Store
	Logger  logging.Logger
}

// New builds the descriptor for a daemon type; volume is required only for per-volume types
func New(deps Deps, typ string, volume string) (*service.Descriptor, error) {
	switch typ {
	case TypeQuotad:
		return NewQuotad(deps)
	case TypeBitd:
		return NewBitd(deps)
	case TypeScrub:
		return NewScrub(deps)
	case TypeSnapd:
		return NewSnapd(deps, volume)
	default:
		return nil, errors.NewConfigError("unknown daemon type", nil).WithContext("type", typ)
	}
}

func NewQuotad(deps Deps) (*service.Descriptor, error) {
	return newAggregate(deps, TypeQuotad, volstore.KeyFeaturesQuota, volgen.Quotad)
}

func NewBitd(deps Deps) (*service.Descriptor, error) {
	return newAggregate(deps, TypeBitd, volstore.KeyFeaturesBitrot, volgen.Bitd)
}

func NewScrub(deps Deps) (*service.Descriptor, error) {
	return newAggregate(deps, TypeScrub, volstore.KeyFeaturesBitrot, volgen.Scrub)
}

// aggregateKind is a node-wide daemon serving every started volume with one feature on
type aggregateKind struct {
	service.BaseKind
	feature string
	build   func([]*volstore.Volume) *volgen.Volfile
	store   *volstore.Store
}

func newAggregate(deps Deps, name, feature string, build func([]*volstore.Volume) *volgen.Volfile) (*service.Descriptor, error) {
	kind := &aggregateKind{
		feature: feature,
		build:   build,
		store:   deps.Store,
	}
	return service.New(deps.Cluster, service.Options{
		Name: name,
		Type: name,
		Kind: kind,
	}, deps.Bridge, deps.Logger)
}

func (k *aggregateKind) RegenerateVolfile(_ context.Context, d *service.Descriptor) error {
	return volgen.Write(d.Process().VolFile(), k.build(k.store.List()))
}

// Manage stops the daemon when no started volume needs it, otherwise
// reconfigures a running daemon or starts a stopped one
func (k *aggregateKind) Manage(ctx context.Context, d *service.Descriptor) error {
	if !k.store.AnyStartedWith(k.feature) {
		if d.IsRunning() {
			return d.KindStop(ctx, syscall.SIGTERM)
		}
		return nil
	}

	if d.IsRunning() {
		return d.Reconfigure(ctx, nil)
	}

	if err := k.RegenerateVolfile(ctx, d); err != nil {
		return err
	}
	return d.KindStart(ctx, service.StartNoWait)
}
