package cache

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// FileStore implements DurableStore using one JSON file per entry. Files are
// named by a hash of the key, with the full key recorded in the payload so
// prefix invalidation works without reversible file names.
type FileStore struct {
	dir string
}

type fileEntry struct {
	Key   string `json:"key"`
	Entry *Entry `json:"entry"`
}

// NewFileStore creates a file-backed durable store under the given directory.
// If dir is empty, a per-user default under the home directory is used.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".syncline_cache")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Get implements DurableStore.
func (fs *FileStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		return nil, ErrNotFound
	}
	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil || fe.Entry == nil {
		return nil, ErrNotFound
	}
	return fe.Entry, nil
}

// Set implements DurableStore. The entry is written to a temporary file first
// and renamed into place, so readers never observe a partial write.
func (fs *FileStore) Set(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(&fileEntry{Key: key, Entry: entry})
	if err != nil {
		return err
	}
	path := fs.path(key)
	tmp := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DeletePrefix implements DurableStore by scanning the directory and matching
// each payload's recorded key.
func (fs *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	dirents, err := os.ReadDir(fs.dir)
	if err != nil {
		return err
	}
	for _, de := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		full := filepath.Join(fs.dir, de.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var fe fileEntry
		if err := json.Unmarshal(data, &fe); err != nil {
			continue
		}
		if strings.HasPrefix(fe.Key, prefix) {
			_ = os.Remove(full)
		}
	}
	return nil
}

func (fs *FileStore) path(key string) string {
	hash := md5.Sum([]byte(key))
	return filepath.Join(fs.dir, fmt.Sprintf("%x.json", hash))
}
