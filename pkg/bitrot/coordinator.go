package bitrot

import (
	"context"
	"fmt"
	"os"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"
)

// Managed is a daemon re-reconciled after every committed operation
type Managed interface {
	Name() string
	Manage(ctx context.Context) error
}

// LocalCoordinator is the single-node coordinator: stage, commit and
// re-manage all happen in-process under the coordination lock
type LocalCoordinator struct {
	lock    *cluster.Lock
	store   *volstore.Store
	daemons []Managed
	logger  logging.Logger

	// removeAll is replaced in tests
	removeAll func(path string) error
}

func NewLocalCoordinator(lock *cluster.Lock, store *volstore.Store, daemons []Managed, logger logging.Logger) *LocalCoordinator {
	return &LocalCoordinator{
		lock:      lock,
		store:     store,
		daemons:   daemons,
		logger:    logger,
		removeAll: os.RemoveAll,
	}
}

func (c *LocalCoordinator) Run(ctx context.Context, op Operation) error {
	return c.lock.Run(ctx, func(ctx context.Context) error {
		return c.run(ctx, op)
	})
}

func (c *LocalCoordinator) run(ctx context.Context, op Operation) error {
	current, err := c.store.Get(op.Volume)
	if err != nil {
		return err
	}

	staged, changed, err := stage(current, op)
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Infof("Bitrot already in requested state, volume: %s, command: %s", op.Volume, op.Command)
		return nil
	}

	if err := c.store.Put(staged); err != nil {
		return err
	}

	if op.Command == CommandDisable {
		path := volstore.BitStorePath(c.store.Workdir(), op.Volume)
		if err := c.removeAll(path); err != nil {
			c.logger.Warnf("Bit store cleanup failed, path: %s, error: %v", path, err)
		}
	}

	collection := errors.NewErrorCollection()
	for _, d := range c.daemons {
		if err := d.Manage(ctx); err != nil {
			c.logger.Errorf("Failed to manage %s after bitrot change, error: %v", d.Name(), err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// stage validates op against v and returns the updated copy.
// changed is false when the volume is already in the requested state.
func stage(v *volstore.Volume, op Operation) (staged *volstore.Volume, changed bool, err error) {
	enabled := v.IsEnabled(volstore.KeyFeaturesBitrot)
	staged = v.Clone()

	switch op.Command {
	case CommandEnable:
		if !v.IsStarted() {
			return nil, false, errors.NewValidationError("Volume is stopped, start volume to enable bitrot.", nil)
		}
		if enabled {
			return v, false, nil
		}
		staged.SetOption(volstore.KeyFeaturesBitrot, "on")

	case CommandDisable:
		if !enabled {
			return v, false, nil
		}
		staged.SetOption(volstore.KeyFeaturesBitrot, "off")

	case CommandScrubThrottle:
		if err := checkTunable(v, op, enabled, throttleValues); err != nil {
			return nil, false, err
		}
		staged.SetOption(volstore.KeyFeaturesScrubThrottle, op.Value)

	case CommandScrubFrequency:
		if err := checkTunable(v, op, enabled, frequencyValues); err != nil {
			return nil, false, err
		}
		staged.SetOption(volstore.KeyFeaturesScrubFreq, op.Value)

	case CommandScrub:
		if err := checkTunable(v, op, enabled, scrubValues); err != nil {
			return nil, false, err
		}
		staged.SetOption(volstore.KeyFeaturesScrub, op.Value)

	default:
		return nil, false, errors.NewValidationError("Unable to get type of command", nil)
	}

	return staged, true, nil
}

func checkTunable(v *volstore.Volume, op Operation, enabled bool, allowed []string) error {
	if !enabled {
		return errors.NewValidationError(fmt.Sprintf("Bitrot is not enabled on volume %s", v.Name), nil)
	}
	if !oneOf(op.Value, allowed) {
		return errors.NewValidationError(fmt.Sprintf("Invalid %s value %q, expected one of: %s",
			op.Command, op.Value, allowedList(allowed)), nil)
	}
	return nil
}
