package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Container identifies one encoding of a container file. Re-encoding in
// place writes a new file at the same path, so the ID is minted per encode
// and recorded with the artifacts; entries cached under an older ID are
// never served for the new file.
type Container struct {
	ID   string
	Name string
	Path string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewContainerID mints the identity of a freshly encoded container.
func NewContainerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Bind canonicalizes path and attaches the recorded container ID. An empty
// id falls back to an identity derived from the canonical path, which is
// only stable for containers that are never rewritten.
func Bind(path, id string) (Container, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Container{}, fmt.Errorf("resolving container path %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if id == "" {
		sum := sha256.Sum256([]byte(abs))
		id = hex.EncodeToString(sum[:])
	}
	if len(id) < 8 {
		return Container{}, fmt.Errorf("container id %q too short", id)
	}
	name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	name = unsafeName.ReplaceAllString(name, "_")
	return Container{ID: id, Name: name, Path: abs}, nil
}

// ContainerFor is Bind with a path-derived ID.
func ContainerFor(path string) (Container, error) {
	return Bind(path, "")
}

// Namespace is the directory name used by the file store.
func (c Container) Namespace() string {
	return c.Name + "-" + c.ID[:8]
}
