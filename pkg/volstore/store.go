// Package volstore persists per-volume status and options under the workdir.
package volstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	VolumesDir   = "vols"
	InfoFile     = "info"
	BitStoreDir  = "bit-store"
	infoFileMode = 0600
)

// VolumeDir returns workdir/vols/name
func VolumeDir(workdir, name string) string {
	return filepath.Join(workdir, VolumesDir, name)
}

// BitStorePath returns the per-volume bit-rot signature store
func BitStorePath(workdir, name string) string {
	return filepath.Join(VolumeDir(workdir, name), BitStoreDir)
}

type Store struct {
	workdir string
	logger  logging.Logger

	mu      sync.RWMutex
	volumes map[string]*Volume
}

// Open loads every volume persisted under workdir/vols
func Open(workdir string, logger logging.Logger) (*Store, error) {
	s := &Store{
		workdir: workdir,
		logger:  logger,
		volumes: make(map[string]*Volume),
	}

	root := filepath.Join(workdir, VolumesDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.NewIOError("failed to list volumes", err).WithContext("dir", root)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := s.load(entry.Name())
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		s.volumes[v.Name] = v
	}

	logger.Debugf("Volume store opened, workdir: %s, volumes: %d", workdir, len(s.volumes))
	return s, nil
}

func (s *Store) Workdir() string {
	return s.workdir
}

// Get returns a copy of the named volume
func (s *Store) Get(name string) (*Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.volumes[name]
	if !ok {
		return nil, errors.NewNotFoundError("Volume "+name+" does not exist", nil).WithContext("volume", name)
	}
	return v.Clone(), nil
}

// List returns copies of all volumes sorted by name
func (s *Store) List() []*Volume {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Volume, 0, len(s.volumes))
	for _, v := range s.volumes {
		list = append(list, v.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Put persists v atomically and then makes it visible to readers.
// On a write failure the previous state stays both on disk and in memory.
func (s *Store) Put(v *Volume) error {
	if err := svcpath.ValidateName(v.Name); err != nil {
		return err
	}
	if v.Status == "" {
		v.Status = StatusCreated
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.NewInternalError("failed to encode volume", err).WithContext("volume", v.Name)
	}

	dir := VolumeDir(s.workdir, v.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewDirectoryCreateError("failed to create volume directory", err).WithContext("dir", dir)
	}
	path := filepath.Join(dir, InfoFile)
	if err := renameio.WriteFile(path, data, infoFileMode); err != nil {
		return errors.NewIOError("failed to persist volume", err).WithContext("path", path)
	}

	s.mu.Lock()
	s.volumes[v.Name] = v.Clone()
	s.mu.Unlock()

	s.logger.Debugf("Volume persisted, volume: %s, status: %s", v.Name, v.Status)
	return nil
}

// AnyStartedWith reports whether a started volume has boolean option key on
func (s *Store) AnyStartedWith(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.volumes {
		if v.IsStarted() && v.IsEnabled(key) {
			return true
		}
	}
	return false
}

func (s *Store) load(name string) (*Volume, error) {
	path := filepath.Join(VolumeDir(s.workdir, name), InfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("volume info missing", err).WithContext("path", path)
		}
		return nil, errors.NewIOError("failed to read volume info", err).WithContext("path", path)
	}

	var v Volume
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, errors.NewValidationError("failed to parse volume info", err).WithContext("path", path)
	}
	if v.Name == "" {
		v.Name = name
	}
	return &v, nil
}
