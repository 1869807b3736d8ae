// Package cluster holds the explicit manager context threaded through every
// supervision operation.
package cluster

import (
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"
)

const DefaultListenAddress = "localhost"

// PortAllocator hands out listener ports to daemons that expose one
type PortAllocator interface {
	Allocate(owner string) (int, error)
	Release(owner string)
}

type Context struct {
	Workdir       string
	LogDir        string
	RunDir        string
	SbinDir       string
	ListenAddress string
	NodeID        string
	OpVersion     int
	MemoryDebug   bool

	ReconnectWindow time.Duration
	GracefulTimeout time.Duration

	Lock  *Lock
	Ports PortAllocator
}

// Validate checks the fields every service depends on
func (c *Context) Validate() error {
	dirs := []struct {
		field string
		value string
	}{
		{"workdir", c.Workdir},
		{"log directory", c.LogDir},
		{"run directory", c.RunDir},
	}
	for _, d := range dirs {
		if err := svcpath.ValidatePath(d.field, d.value, svcpath.MaxPathLength); err != nil {
			return err
		}
	}
	if c.NodeID == "" {
		return errors.NewConfigError("node identity is required", nil)
	}
	if c.Lock == nil {
		return errors.NewConfigError("coordination lock is required", nil)
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	return nil
}
