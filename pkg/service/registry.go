package service

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
)

// Registry maps service names and connection IDs to their descriptors
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byConn map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		byConn: make(map[string]*Descriptor),
	}
}

func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name()]; exists {
		return errors.NewConflictError("service already registered", nil).WithContext("service", d.Name())
	}
	id := d.Connection().ID()
	if _, exists := r.byConn[id]; exists {
		return errors.NewConflictError("connection already registered", nil).WithContext("connection", id)
	}

	r.byName[d.Name()] = d
	r.byConn[id] = d
	return nil
}

func (r *Registry) Remove(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byName[d.Name()] == d {
		delete(r.byName, d.Name())
	}
	id := d.Connection().ID()
	if r.byConn[id] == d {
		delete(r.byConn, id)
	}
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// ByConnection resolves the owner of a connection event
func (r *Registry) ByConnection(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byConn[id]
	return d, ok
}

// List returns descriptors sorted by name
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}
