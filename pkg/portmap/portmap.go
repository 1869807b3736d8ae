// Package portmap hands out listener ports to daemons and remembers who owns them.
package portmap

import (
	"sync"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"

	"github.com/phayes/freeport"
)

const maxAttempts = 16

type Registry struct {
	logger logging.Logger

	mu      sync.Mutex
	byOwner map[string]int
	byPort  map[int]string

	// freePort is replaced in tests
	freePort func() (int, error)
}

func New(logger logging.Logger) *Registry {
	return &Registry{
		logger:   logger,
		byOwner:  make(map[string]int),
		byPort:   make(map[int]string),
		freePort: freeport.GetFreePort,
	}
}

// Allocate returns owner's port, picking a free one on first use
func (r *Registry) Allocate(owner string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port, ok := r.byOwner[owner]; ok {
		return port, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := r.freePort()
		if err != nil {
			return 0, errors.NewPortAllocationError("no free port available", err).WithContext("owner", owner)
		}
		if _, taken := r.byPort[port]; taken {
			continue
		}
		r.byOwner[owner] = port
		r.byPort[port] = owner
		r.logger.Infof("Port allocated, owner: %s, port: %d", owner, port)
		return port, nil
	}

	return 0, errors.NewPortAllocationError("no unreserved port available", nil).
		WithContext("owner", owner).WithContext("attempts", maxAttempts)
}

// Release returns owner's port to the pool; releasing nothing is a no-op
func (r *Registry) Release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port, ok := r.byOwner[owner]
	if !ok {
		return
	}
	delete(r.byOwner, owner)
	delete(r.byPort, port)
	r.logger.Infof("Port released, owner: %s, port: %d", owner, port)
}

// Lookup returns the port held by owner
func (r *Registry) Lookup(owner string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.byOwner[owner]
	return port, ok
}
