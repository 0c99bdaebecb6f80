package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testCacheSettings() *CacheSettings {
	return &CacheSettings{
		MemoryTtl:               1 * time.Minute,
		PersistentTtl:           15 * time.Minute,
		SweepInterval:           1 * time.Hour,
		MaxMemoryWorkspaces:     16,
		MaxPersistentWorkspaces: 64,
		OverflowEvictFraction:   0.30,
	}
}

func testFileSet(workspaceId Id) []*File {
	return []*File{
		{
			Id:        NewId(),
			FileName:  "index.html",
			FileType:  "html",
			Content:   "<html><body>{{components}}</body></html>",
			SizeBytes: 40,
			UpdatedAt: time.Now(),
		},
		{
			Id:        NewId(),
			FileName:  "styles.css",
			FileType:  "css",
			Content:   "body { margin: 0; }",
			SizeBytes: 19,
			UpdatedAt: time.Now(),
		},
	}
}

func countingFetch(fetchCount *int64, delay time.Duration) RemoteFetchFunc {
	return func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
		atomic.AddInt64(fetchCount, 1)
		if 0 < delay {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		return &WorkspaceFilesResult{
			WorkspaceId: workspaceId,
			Files:       testFileSet(workspaceId),
		}, nil
	}
}

func TestCacheRepeatedGetsSingleFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()
	first, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)

	// repeated gets within the memory ttl return identical file lists
	// without re-invoking the remote fetch
	for i := 0; i < 8; i += 1 {
		files, err := cache.Get(ctx, workspaceId)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(files.Files), len(first.Files))
		for j, file := range files.Files {
			assert.Equal(t, file.Id, first.Files[j].Id)
			assert.Equal(t, file.FileName, first.Files[j].FileName)
			assert.Equal(t, file.Content, first.Files[j].Content)
		}
	}
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(1))
}

func TestCachePutRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()
	files := &WorkspaceFileSet{
		WorkspaceId: workspaceId,
		Files: []*File{
			{Id: NewId(), FileName: "b.css", FileType: "css", Content: "b {}"},
			{Id: NewId(), FileName: "a.css", FileType: "css", Content: "a {}"},
			{Id: NewId(), FileName: "index.html", FileType: "html", Content: "<html></html>"},
		},
	}
	cache.Put(workspaceId, files)

	got, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	// content and ordering preserved exactly
	assert.Equal(t, len(got.Files), 3)
	for i, file := range got.Files {
		assert.Equal(t, file.Id, files.Files[i].Id)
		assert.Equal(t, file.FileName, files.Files[i].FileName)
		assert.Equal(t, file.Content, files.Files[i].Content)
	}
	// a put never triggers a remote fetch
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(0))
	assert.Equal(t, cache.Version(workspaceId), int64(1))
}

func TestCacheCoalescedFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 100*time.Millisecond), testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()

	n := 16
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			files, err := cache.Get(ctx, workspaceId)
			assert.Equal(t, err, nil)
			assert.Equal(t, len(files.Files), 2)
		}()
	}
	wg.Wait()

	// n concurrent first reads of an uncached workspace trigger exactly
	// one remote fetch
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(1))
}

func TestCacheTtlExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testCacheSettings()
	settings.MemoryTtl = 30 * time.Millisecond
	settings.PersistentTtl = 30 * time.Millisecond

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), settings)
	defer cache.Close()

	workspaceId := NewId()
	_, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(1))

	// entries older than the ttl are treated as stale on the next get
	time.Sleep(60 * time.Millisecond)
	_, err = cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(2))
}

func TestCachePersistentPromotion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testCacheSettings()
	settings.MemoryTtl = 30 * time.Millisecond

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), settings)
	defer cache.Close()

	workspaceId := NewId()
	_, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)

	// the memory tier is stale but the persistent tier still serves,
	// promoting the entry without a remote fetch
	time.Sleep(60 * time.Millisecond)
	files, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(files.Files), 2)
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(1))
}

func TestCacheInvalidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()
	_, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)

	cache.Invalidate(workspaceId)

	_, err = cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(2))
}

func TestCacheFetchErrorShared(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchErr := errors.New("remote down")
	var fetchCount int64
	fetch := func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
		atomic.AddInt64(&fetchCount, 1)
		time.Sleep(50 * time.Millisecond)
		return nil, fetchErr
	}
	cache := NewCacheStore(ctx, NewMemoryStorage(), fetch, testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()

	n := 8
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(ctx, workspaceId)
			// all coalesced waiters receive the same failure
			assert.Equal(t, err, fetchErr)
		}()
	}
	wg.Wait()
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(1))

	// no partial entry was written
	assert.Equal(t, cache.Version(workspaceId), int64(0))
}

func TestCacheChangeCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	changes := make(chan Id, 8)
	unsub := cache.AddChangeCallback(func(workspaceId Id, version int64) {
		changes <- workspaceId
	})
	defer unsub()

	workspaceId := NewId()
	cache.Put(workspaceId, &WorkspaceFileSet{
		WorkspaceId: workspaceId,
		Files:       testFileSet(workspaceId),
	})

	select {
	case changedWorkspaceId := <-changes:
		assert.Equal(t, changedWorkspaceId, workspaceId)
	case <-time.After(1 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestCacheQuotaEvictRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64

	// size one entry as stored
	sizing := NewMemoryStorage()
	sizingCache := NewCacheStore(ctx, sizing, countingFetch(&fetchCount, 0), testCacheSettings())
	workspaceA := NewId()
	sizingCache.Put(workspaceA, &WorkspaceFileSet{
		WorkspaceId: workspaceA,
		Files:       testFileSet(workspaceA),
	})
	stored, err := sizing.Get(ctx, fmt.Sprintf("workspace:%s", workspaceA))
	assert.Equal(t, err, nil)
	entrySize := ByteCount(len(stored))
	sizingCache.Close()

	// room for one and a half entries: the second put overflows the
	// quota, evicts the oldest entry and silently retries
	storage := NewMemoryStorageWithLimit(entrySize + entrySize/2)
	cache := NewCacheStore(ctx, storage, countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	cache.Put(workspaceA, &WorkspaceFileSet{
		WorkspaceId: workspaceA,
		Files:       testFileSet(workspaceA),
	})
	workspaceB := NewId()
	cache.Put(workspaceB, &WorkspaceFileSet{
		WorkspaceId: workspaceB,
		Files:       testFileSet(workspaceB),
	})

	keys, err := storage.Keys(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, keys, []string{fmt.Sprintf("workspace:%s", workspaceB)})

	// the memory tier was never failed
	filesB, err := cache.Get(ctx, workspaceB)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(filesB.Files), 2)
	assert.Equal(t, atomic.LoadInt64(&fetchCount), int64(0))
}

func TestCacheUpdateFileContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()
	fileId := NewId()
	cache.Put(workspaceId, &WorkspaceFileSet{
		WorkspaceId: workspaceId,
		Files: []*File{
			{Id: fileId, FileName: "index.html", FileType: "html", Content: "Hello World"},
		},
	})
	assert.Equal(t, cache.Version(workspaceId), int64(1))

	fileName, version, ok := cache.UpdateFileContent(fileId, "Hello There")
	assert.Equal(t, ok, true)
	assert.Equal(t, fileName, "index.html")
	assert.Equal(t, version, int64(2))

	files, err := cache.Get(ctx, workspaceId)
	assert.Equal(t, err, nil)
	assert.Equal(t, files.FileById(fileId).Content, "Hello There")

	indexedWorkspaceId, ok := cache.WorkspaceForFile(fileId)
	assert.Equal(t, ok, true)
	assert.Equal(t, indexedWorkspaceId, workspaceId)
}

func TestCacheConcurrentGetAndUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetchCount int64
	fileId := NewId()
	fetch := func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
		atomic.AddInt64(&fetchCount, 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		return &WorkspaceFilesResult{
			WorkspaceId: workspaceId,
			Files: []*File{
				{Id: fileId, FileName: "index.html", FileType: "html", Content: "v0"},
			},
		}, nil
	}

	cache := NewCacheStore(ctx, NewMemoryStorage(), fetch, testCacheSettings())
	defer cache.Close()

	workspaceId := NewId()

	// readers copy the fetched entry while a writer keeps mutating it.
	// the copies must observe a consistent snapshot
	var wg sync.WaitGroup
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			files, err := cache.Get(ctx, workspaceId)
			assert.Equal(t, err, nil)
			assert.Equal(t, len(files.Files), 1)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 256; i += 1 {
			cache.UpdateFileContent(fileId, fmt.Sprintf("v%d", i))
		}
	}()
	wg.Wait()
}

func TestCachePutVersionMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testCacheSettings()
	settings.MemoryTtl = 20 * time.Millisecond

	var fetchCount int64
	cache := NewCacheStore(ctx, NewMemoryStorage(), countingFetch(&fetchCount, 0), settings)
	defer cache.Close()

	workspaceId := NewId()
	cache.Put(workspaceId, &WorkspaceFileSet{
		WorkspaceId: workspaceId,
		Files: []*File{
			{Id: NewId(), FileName: "index.html", FileType: "html", Content: "<html></html>"},
		},
	})
	assert.Equal(t, cache.Version(workspaceId), int64(1))

	// age the memory slot out so the next put only sees the persistent copy
	time.Sleep(40 * time.Millisecond)
	cache.sweep()

	cache.Put(workspaceId, &WorkspaceFileSet{
		WorkspaceId: workspaceId,
		Files: []*File{
			{Id: NewId(), FileName: "index.html", FileType: "html", Content: "<html><body></body></html>"},
		},
	})
	assert.Equal(t, cache.Version(workspaceId), int64(2))
}
