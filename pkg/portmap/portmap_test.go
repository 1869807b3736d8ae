package portmap

import (
	"fmt"
	"testing"

	"github.com/core-tools/hsu-svcmgr/pkg/cluster"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ cluster.PortAllocator = (*Registry)(nil)

func TestAllocate_RealPorts(t *testing.T) {
	registry := New(logging.NewNopLogger())

	a, err := registry.Allocate("vol0-snapd")
	require.NoError(t, err)
	assert.Greater(t, a, 0)

	again, err := registry.Allocate("vol0-snapd")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := registry.Allocate("vol1-snapd")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAllocate_SkipsReservedPorts(t *testing.T) {
	registry := New(logging.NewNopLogger())
	ports := []int{49152, 49152, 49153}
	registry.freePort = func() (int, error) {
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}

	a, err := registry.Allocate("a")
	require.NoError(t, err)
	b, err := registry.Allocate("b")
	require.NoError(t, err)

	assert.Equal(t, 49152, a)
	assert.Equal(t, 49153, b)
}

func TestAllocate_Failure(t *testing.T) {
	registry := New(logging.NewNopLogger())
	registry.freePort = func() (int, error) { return 0, fmt.Errorf("address space exhausted") }

	_, err := registry.Allocate("vol0-snapd")
	assert.True(t, errors.IsPortAllocationError(err))

	registry.freePort = func() (int, error) { return 49152, nil }
	_, err = registry.Allocate("first")
	require.NoError(t, err)
	_, err = registry.Allocate("second")
	assert.True(t, errors.IsPortAllocationError(err))
}

func TestRelease(t *testing.T) {
	registry := New(logging.NewNopLogger())
	registry.freePort = func() (int, error) { return 49152, nil }

	_, err := registry.Allocate("a")
	require.NoError(t, err)
	registry.Release("a")
	registry.Release("a")

	_, ok := registry.Lookup("a")
	assert.False(t, ok)

	port, err := registry.Allocate("b")
	require.NoError(t, err)
	assert.Equal(t, 49152, port)
}
