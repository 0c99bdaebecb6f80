package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// the persistent cache tier is a key-value namespace behind this interface.
// `Get` returns (nil, nil) when the key is absent.
// `Put` returns `ErrStorageQuotaExceeded` when the backend is out of space,
// which the cache store recovers from with an evict pass and one retry.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

type MemoryStorage struct {
	mutex sync.Mutex

	// 0 means no limit
	maxByteCount ByteCount

	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStorageWithLimit(0)
}

func NewMemoryStorageWithLimit(maxByteCount ByteCount) *MemoryStorage {
	return &MemoryStorage{
		maxByteCount: maxByteCount,
		values:       map[string][]byte{},
	}
}

func (self *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (self *MemoryStorage) Put(ctx context.Context, key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if 0 < self.maxByteCount {
		netByteCount := ByteCount(len(value))
		for existingKey, existingValue := range self.values {
			if existingKey != key {
				netByteCount += ByteCount(len(existingValue))
			}
		}
		if self.maxByteCount < netByteCount {
			return ErrStorageQuotaExceeded
		}
	}
	self.values[key] = value
	return nil
}

func (self *MemoryStorage) Delete(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	return nil
}

func (self *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.values), nil
}

// stores each key as one json file under `dirPath`
type FileStorage struct {
	mutex sync.Mutex

	dirPath string

	// 0 means no limit
	maxByteCount ByteCount
}

func NewFileStorage(dirPath string) *FileStorage {
	return NewFileStorageWithLimit(dirPath, mib(64))
}

func NewFileStorageWithLimit(dirPath string, maxByteCount ByteCount) *FileStorage {
	return &FileStorage{
		dirPath:      dirPath,
		maxByteCount: maxByteCount,
	}
}

// keys are path-like ("workspace:{id}"), keep them filesystem safe
func (self *FileStorage) keyPath(key string) string {
	return filepath.Join(self.dirPath, strings.ReplaceAll(key, ":", "_")+".json")
}

func (self *FileStorage) pathKey(name string) string {
	name = strings.TrimSuffix(name, ".json")
	return strings.Replace(name, "_", ":", 1)
}

func (self *FileStorage) Get(ctx context.Context, key string) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, err := os.ReadFile(self.keyPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (self *FileStorage) Put(ctx context.Context, key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := os.MkdirAll(self.dirPath, 0700); err != nil {
		return err
	}

	if 0 < self.maxByteCount {
		netByteCount := ByteCount(len(value))
		entries, err := os.ReadDir(self.dirPath)
		if err != nil {
			return err
		}
		keyName := filepath.Base(self.keyPath(key))
		for _, entry := range entries {
			if entry.Name() == keyName {
				continue
			}
			if info, err := entry.Info(); err == nil {
				netByteCount += info.Size()
			}
		}
		if self.maxByteCount < netByteCount {
			return ErrStorageQuotaExceeded
		}
	}

	return os.WriteFile(self.keyPath(key), value, 0600)
}

func (self *FileStorage) Delete(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	err := os.Remove(self.keyPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (self *FileStorage) Keys(ctx context.Context) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entries, err := os.ReadDir(self.dirPath)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, self.pathKey(entry.Name()))
	}
	return keys, nil
}
