package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sga-jerrylin/DKR-SGA/pkg/filelock"
)

const lockFile = ".lock"

// FileStore keeps one JSON file per frame under <dir>/<namespace>/. Writes
// go to a temp file and are renamed into place, so readers never see a torn
// entry. Writers hold a shared lock and clears an exclusive one, so a clear
// cannot interleave with a write into the directory it removes.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) entryPath(c Container, frame int) string {
	return filepath.Join(s.dir, c.Namespace(), strconv.Itoa(frame)+".json")
}

func (s *FileStore) lockPath() string { return filepath.Join(s.dir, lockFile) }

func (s *FileStore) Get(_ context.Context, c Container, frame int) (Entry, bool, error) {
	data, err := os.ReadFile(s.entryPath(c, frame))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry %s frame %d: %w", c.Namespace(), frame, err)
	}
	if e.ContainerID != c.ID || e.Frame != frame {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *FileStore) Put(ctx context.Context, c Container, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	release, err := filelock.Shared(ctx, s.lockPath())
	if err != nil {
		return err
	}
	defer release()

	path := s.entryPath(c, e.Frame)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context, c Container) (int, error) {
	release, err := filelock.Exclusive(ctx, s.lockPath())
	if err != nil {
		return 0, err
	}
	defer release()
	return removeNamespace(filepath.Join(s.dir, c.Namespace()))
}

func (s *FileStore) ClearAll(ctx context.Context) (int, error) {
	release, err := filelock.Exclusive(ctx, s.lockPath())
	if err != nil {
		return 0, err
	}
	defer release()

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		n, err := removeNamespace(filepath.Join(s.dir, d.Name()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func removeNamespace(dir string) (int, error) {
	n, _, err := countEntries(dir)
	if err != nil {
		return 0, err
	}
	return n, os.RemoveAll(dir)
}

func (s *FileStore) Stats(_ context.Context, c *Container) (StoreStats, error) {
	if c != nil {
		n, size, err := countEntries(filepath.Join(s.dir, c.Namespace()))
		if err != nil || n == 0 {
			return StoreStats{}, err
		}
		return StoreStats{Containers: 1, Entries: n, Bytes: size}, nil
	}
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return StoreStats{}, err
	}
	var st StoreStats
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		n, size, err := countEntries(filepath.Join(s.dir, d.Name()))
		if err != nil {
			return st, err
		}
		if n > 0 {
			st.Containers++
			st.Entries += n
			st.Bytes += size
		}
	}
	return st, nil
}

func countEntries(dir string) (int, int64, error) {
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	var n int
	var size int64
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		n++
		size += info.Size()
	}
	return n, size, nil
}
