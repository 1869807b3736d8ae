package cluster

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const (
	NodeInfoFile = "node.info"
	nodeUUIDKey  = "UUID="
)

// LoadOrCreateNodeID returns the node identity persisted under workdir,
// generating and atomically writing a new one on first use
func LoadOrCreateNodeID(workdir string) (string, error) {
	path := filepath.Join(workdir, NodeInfoFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, parseErr := parseNodeInfo(data)
		if parseErr != nil {
			return "", parseErr.WithContext("path", path)
		}
		return id, nil
	case !os.IsNotExist(err):
		return "", errors.NewIOError("failed to read node info", err).WithContext("path", path)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", errors.NewDirectoryCreateError("failed to create workdir", err).WithContext("workdir", workdir)
	}
	if err := renameio.WriteFile(path, []byte(nodeUUIDKey+id+"\n"), 0600); err != nil {
		return "", errors.NewIOError("failed to write node info", err).WithContext("path", path)
	}
	return id, nil
}

func parseNodeInfo(data []byte) (string, *errors.DomainError) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, nodeUUIDKey) {
			continue
		}
		id := strings.TrimPrefix(line, nodeUUIDKey)
		if _, err := uuid.Parse(id); err != nil {
			return "", errors.NewValidationError("invalid node UUID", err)
		}
		return id, nil
	}
	return "", errors.NewValidationError("node info has no UUID", nil)
}
