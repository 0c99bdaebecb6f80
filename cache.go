package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// fetches the authoritative copy of a workspace from the remote store
type RemoteFetchFunc func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error)

// called after any mutation of a workspace's cache entry
type ChangeFunc func(workspaceId Id, version int64)

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		MemoryTtl:               1 * time.Minute,
		PersistentTtl:           15 * time.Minute,
		SweepInterval:           30 * time.Second,
		MaxMemoryWorkspaces:     16,
		MaxPersistentWorkspaces: 64,
		// fraction of the persistent tier dropped on capacity overflow,
		// least recently updated first
		OverflowEvictFraction: 0.30,
	}
}

type CacheSettings struct {
	MemoryTtl     time.Duration
	PersistentTtl time.Duration
	SweepInterval time.Duration

	MaxMemoryWorkspaces     int
	MaxPersistentWorkspaces int
	OverflowEvictFraction   float64
}

// one coalesced remote fetch. all concurrent first readers of an uncached
// workspace wait on the same fetch and share its result or failure
type inflightFetch struct {
	done   chan struct{}
	result *CacheEntry
	err    error
}

// per-workspace cache state. the slot mutex serializes mutations for one
// workspace without stalling unrelated workspaces
type cacheSlot struct {
	mutex sync.Mutex

	entry *CacheEntry
	// time the entry entered the memory tier. the memory tier ages from
	// this, the persistent tier ages from `entry.LastUpdated`
	memoryTime time.Time
	accessTime time.Time

	inflight *inflightFetch
}

// two-tier workspace file cache.
// fast in-process tier plus a persistent tier behind `Storage`,
// both TTL governed, entries versioned per mutation
type CacheStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage Storage
	fetch   RemoteFetchFunc

	settings *CacheSettings

	mutex sync.Mutex
	slots map[Id]*cacheSlot
	// fileId -> workspaceId, to resolve light changes without a full scan
	fileIndex map[Id]Id

	changeCallbacks *CallbackList[ChangeFunc]
	update          *Monitor
}

func NewCacheStoreWithDefaults(ctx context.Context, storage Storage, fetch RemoteFetchFunc) *CacheStore {
	return NewCacheStore(ctx, storage, fetch, DefaultCacheSettings())
}

func NewCacheStore(ctx context.Context, storage Storage, fetch RemoteFetchFunc, settings *CacheSettings) *CacheStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	cacheStore := &CacheStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		storage:         storage,
		fetch:           fetch,
		settings:        settings,
		slots:           map[Id]*cacheSlot{},
		fileIndex:       map[Id]Id{},
		changeCallbacks: NewCallbackList[ChangeFunc](),
		update:          NewMonitor(),
	}
	go cacheStore.run()
	return cacheStore
}

func (self *CacheStore) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		HandleError(func() {
			self.sweep()
		})
	}
}

func (self *CacheStore) slot(workspaceId Id) *cacheSlot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	slot, ok := self.slots[workspaceId]
	if !ok {
		slot = &cacheSlot{}
		self.slots[workspaceId] = slot
	}
	return slot
}

func (self *CacheStore) storageKey(workspaceId Id) string {
	return fmt.Sprintf("workspace:%s", workspaceId)
}

// serves the memory tier if fresh, else the persistent tier if fresh
// (promoting it), else fetches from the remote store and populates both
// tiers. concurrent calls for the same uncached workspace share one fetch
func (self *CacheStore) Get(ctx context.Context, workspaceId Id) (*WorkspaceFileSet, error) {
	entry, err := self.getEntry(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	return entry.Files, nil
}

func (self *CacheStore) getEntry(ctx context.Context, workspaceId Id) (*CacheEntry, error) {
	now := time.Now()
	slot := self.slot(workspaceId)

	slot.mutex.Lock()

	if slot.entry != nil && now.Sub(slot.memoryTime) < self.settings.MemoryTtl {
		entry := copyEntry(slot.entry)
		slot.accessTime = now
		slot.mutex.Unlock()
		cacheGetsTotal.WithLabelValues("memory").Inc()
		return entry, nil
	}

	if slot.inflight != nil {
		fetch := slot.inflight
		slot.mutex.Unlock()
		return self.await(ctx, fetch)
	}

	// the memory tier is stale or empty. try the persistent tier
	if entry := self.readPersistent(ctx, workspaceId, now); entry != nil {
		slot.entry = entry
		slot.memoryTime = now
		slot.accessTime = now
		entryCopy := copyEntry(entry)
		slot.mutex.Unlock()
		self.indexEntry(entry)
		self.enforceMemoryCapacity()
		cacheGetsTotal.WithLabelValues("persistent").Inc()
		return entryCopy, nil
	}

	fetch := &inflightFetch{
		done: make(chan struct{}),
	}
	slot.inflight = fetch
	slot.mutex.Unlock()

	// the fetch runs on the store context so that an abandoning caller
	// does not rob the other coalesced waiters of the result
	go HandleError(func() {
		self.runFetch(workspaceId, slot, fetch)
	})

	cacheGetsTotal.WithLabelValues("remote").Inc()
	return self.await(ctx, fetch)
}

func (self *CacheStore) await(ctx context.Context, fetch *inflightFetch) (*CacheEntry, error) {
	select {
	case <-fetch.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, errors.New("cache closed")
	}
	if fetch.err != nil {
		return nil, fetch.err
	}
	return copyEntry(fetch.result), nil
}

func (self *CacheStore) runFetch(workspaceId Id, slot *cacheSlot, fetch *inflightFetch) {
	result, err := self.fetch(self.ctx, workspaceId)

	if err != nil {
		cacheRemoteFetchesTotal.WithLabelValues("error").Inc()
		// no partial entry is written
		slot.mutex.Lock()
		if slot.inflight == fetch {
			slot.inflight = nil
		}
		slot.mutex.Unlock()
		fetch.err = err
		close(fetch.done)
		return
	}
	cacheRemoteFetchesTotal.WithLabelValues("ok").Inc()

	now := time.Now()
	entry := &CacheEntry{
		WorkspaceId: workspaceId,
		Files: &WorkspaceFileSet{
			WorkspaceId: workspaceId,
			Files:       result.Files,
		},
		Pages:       result.Pages,
		Components:  result.Components,
		LastUpdated: now,
		Version:     1,
	}

	slot.mutex.Lock()
	if slot.inflight == fetch {
		// not invalidated while in flight
		slot.inflight = nil
		slot.entry = entry
		slot.memoryTime = now
		slot.accessTime = now
		self.writePersistent(entry)
	}
	slot.mutex.Unlock()

	self.indexEntry(entry)
	self.enforceMemoryCapacity()

	// waiters copy out of `fetch.result` after `done` closes, outside the
	// slot lock. publish a private copy so later mutations of the live
	// entry cannot race those reads
	fetch.result = copyEntry(entry)
	close(fetch.done)
}

func (self *CacheStore) readPersistent(ctx context.Context, workspaceId Id, now time.Time) *CacheEntry {
	entryBytes, err := self.storage.Get(ctx, self.storageKey(workspaceId))
	if err != nil || entryBytes == nil {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(entryBytes, &entry); err != nil {
		glog.Infof("[cache]bad persistent entry %s = %s\n", workspaceId, err)
		return nil
	}
	if self.settings.PersistentTtl <= entry.Age(now) {
		// outside the ttl, treated as absent
		return nil
	}
	return &entry
}

// the raw persistent copy regardless of ttl
func (self *CacheStore) readPersistedEntry(workspaceId Id) *CacheEntry {
	entryBytes, err := self.storage.Get(self.ctx, self.storageKey(workspaceId))
	if err != nil || entryBytes == nil {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(entryBytes, &entry); err != nil {
		return nil
	}
	return &entry
}

// a persistent write failure triggers the overflow evict pass and one
// silent retry. it never fails the memory update
func (self *CacheStore) writePersistent(entry *CacheEntry) {
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		glog.Infof("[cache]encode %s = %s\n", entry.WorkspaceId, err)
		return
	}
	key := self.storageKey(entry.WorkspaceId)
	err = self.storage.Put(self.ctx, key, entryBytes)
	if err == nil {
		return
	}
	if errors.Is(err, ErrStorageQuotaExceeded) {
		self.evictPersistentOverflow()
		if retryErr := self.storage.Put(self.ctx, key, entryBytes); retryErr == nil {
			return
		}
	}
	glog.Infof("[cache]persistent write %s = %s\n", entry.WorkspaceId, err)
}

// replaces both tiers after a full save, bumping the version
func (self *CacheStore) Put(workspaceId Id, files *WorkspaceFileSet) {
	now := time.Now()
	slot := self.slot(workspaceId)

	slot.mutex.Lock()
	version := int64(1)
	var pages []*Page
	var components []*ComponentInstance
	if slot.entry != nil {
		version = slot.entry.Version + 1
		pages = slot.entry.Pages
		components = slot.entry.Components
	} else if persisted := self.readPersistedEntry(workspaceId); persisted != nil {
		// versions stay monotonic across memory-tier eviction. even an
		// expired persistent copy advances the counter
		version = persisted.Version + 1
		pages = persisted.Pages
		components = persisted.Components
	}
	entry := &CacheEntry{
		WorkspaceId: workspaceId,
		Files:       files.Copy(),
		Pages:       pages,
		Components:  components,
		LastUpdated: now,
		Version:     version,
	}
	slot.entry = entry
	slot.memoryTime = now
	slot.accessTime = now
	self.writePersistent(entry)
	slot.mutex.Unlock()

	self.indexEntry(entry)
	self.enforceMemoryCapacity()
	self.notifyChange(workspaceId, entry.Version)
}

// drops both tiers and detaches any in-flight fetch so its eventual
// result does not repopulate the cache
func (self *CacheStore) Invalidate(workspaceId Id) {
	slot := self.slot(workspaceId)

	slot.mutex.Lock()
	entry := slot.entry
	slot.entry = nil
	slot.inflight = nil
	slot.mutex.Unlock()

	if entry != nil {
		self.unindexEntry(entry)
	}
	if err := self.storage.Delete(self.ctx, self.storageKey(workspaceId)); err != nil {
		glog.Infof("[cache]persistent delete %s = %s\n", workspaceId, err)
	}
	self.notifyChange(workspaceId, 0)
}

// overwrites one cached file's content in place, bumping the version.
// returns false when the file is not in any cached workspace
func (self *CacheStore) UpdateFileContent(fileId Id, content string) (fileName string, version int64, ok bool) {
	workspaceId, indexOk := self.WorkspaceForFile(fileId)
	if !indexOk {
		return "", 0, false
	}

	slot := self.slot(workspaceId)
	slot.mutex.Lock()
	if slot.entry == nil {
		// the memory slot may have aged out while the persistent copy
		// still serves this workspace
		now := time.Now()
		if entry := self.readPersistent(self.ctx, workspaceId, now); entry != nil {
			slot.entry = entry
			slot.memoryTime = now
			slot.accessTime = now
		}
	}
	if slot.entry == nil {
		slot.mutex.Unlock()
		return "", 0, false
	}
	file := slot.entry.Files.FileById(fileId)
	if file == nil {
		slot.mutex.Unlock()
		return "", 0, false
	}
	file.Content = content
	file.SizeBytes = ByteCount(len(content))
	file.UpdatedAt = time.Now()
	slot.entry.Version += 1
	slot.entry.LastUpdated = file.UpdatedAt
	slot.memoryTime = file.UpdatedAt
	fileName = file.FileName
	version = slot.entry.Version
	self.writePersistent(slot.entry)
	slot.mutex.Unlock()

	self.notifyChange(workspaceId, version)
	return fileName, version, true
}

// mutators used by the sync dispatch

func (self *CacheStore) ApplyComponentAdded(workspaceId Id, component *ComponentInstance) {
	self.mutateEntry(workspaceId, func(entry *CacheEntry) {
		for _, existing := range entry.Components {
			if existing.Id == component.Id {
				return
			}
		}
		entry.Components = append(entry.Components, component)
	})
}

func (self *CacheStore) ApplyComponentMoved(workspaceId Id, componentId Id, x int, y int) {
	self.mutateEntry(workspaceId, func(entry *CacheEntry) {
		for _, component := range entry.Components {
			if component.Id == componentId {
				component.X = x
				component.Y = y
				return
			}
		}
	})
}

func (self *CacheStore) ApplyPageUpdated(workspaceId Id, pageId Id, changes map[string]any) {
	self.mutateEntry(workspaceId, func(entry *CacheEntry) {
		for _, page := range entry.Pages {
			if page.Id == pageId {
				applyPageChanges(page, changes)
				return
			}
		}
	})
}

func (self *CacheStore) mutateEntry(workspaceId Id, mutate func(entry *CacheEntry)) {
	slot := self.slot(workspaceId)
	slot.mutex.Lock()
	if slot.entry == nil {
		now := time.Now()
		if entry := self.readPersistent(self.ctx, workspaceId, now); entry != nil {
			slot.entry = entry
			slot.memoryTime = now
			slot.accessTime = now
		}
	}
	if slot.entry == nil {
		slot.mutex.Unlock()
		return
	}
	mutate(slot.entry)
	now := time.Now()
	slot.entry.Version += 1
	slot.entry.LastUpdated = now
	slot.memoryTime = now
	version := slot.entry.Version
	self.writePersistent(slot.entry)
	slot.mutex.Unlock()

	self.notifyChange(workspaceId, version)
}

func applyPageChanges(page *Page, changes map[string]any) {
	if title, ok := changes["title"].(string); ok {
		page.Title = title
	}
	if metaDescription, ok := changes["meta_description"].(string); ok {
		page.MetaDescription = metaDescription
	}
	if customCss, ok := changes["custom_css"].(string); ok {
		page.CustomCss = customCss
	}
	if customJs, ok := changes["custom_js"].(string); ok {
		page.CustomJs = customJs
	}
	if route, ok := changes["route"].(string); ok {
		page.Route = route
	}
}

func (self *CacheStore) Version(workspaceId Id) int64 {
	slot := self.slot(workspaceId)
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	if slot.entry == nil {
		return 0
	}
	return slot.entry.Version
}

func (self *CacheStore) WorkspaceForFile(fileId Id) (Id, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	workspaceId, ok := self.fileIndex[fileId]
	return workspaceId, ok
}

func (self *CacheStore) indexEntry(entry *CacheEntry) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, file := range entry.Files.Files {
		self.fileIndex[file.Id] = entry.WorkspaceId
	}
}

func (self *CacheStore) unindexEntry(entry *CacheEntry) {
	if entry.Files == nil {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, file := range entry.Files.Files {
		delete(self.fileIndex, file.Id)
	}
}

func (self *CacheStore) AddChangeCallback(changeCallback ChangeFunc) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *CacheStore) ChangeMonitor() *Monitor {
	return self.update
}

func (self *CacheStore) notifyChange(workspaceId Id, version int64) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(workspaceId, version)
		})
	}
	self.update.NotifyAll()
}

// drops tier entries past their ttl and enforces the persistent capacity
func (self *CacheStore) sweep() {
	now := time.Now()

	self.mutex.Lock()
	workspaceIds := maps.Keys(self.slots)
	self.mutex.Unlock()

	memoryCount := 0
	for _, workspaceId := range workspaceIds {
		slot := self.slot(workspaceId)
		slot.mutex.Lock()
		if slot.entry != nil && self.settings.MemoryTtl <= now.Sub(slot.memoryTime) {
			// the persistent copy still serves this workspace, so the
			// file index stays until that copy is evicted too
			slot.entry = nil
			slot.mutex.Unlock()
			cacheEvictionsTotal.WithLabelValues("memory_ttl").Inc()
			glog.V(1).Infof("[cache]sweep memory %s\n", workspaceId)
			continue
		}
		if slot.entry != nil {
			memoryCount += 1
		}
		slot.mutex.Unlock()
	}
	cachedWorkspaces.Set(float64(memoryCount))

	keys, err := self.storage.Keys(self.ctx)
	if err != nil {
		glog.Infof("[cache]sweep keys = %s\n", err)
		return
	}
	liveCount := 0
	for _, key := range keys {
		entryBytes, err := self.storage.Get(self.ctx, key)
		if err != nil || entryBytes == nil {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(entryBytes, &entry); err != nil || self.settings.PersistentTtl <= entry.Age(now) {
			self.storage.Delete(self.ctx, key)
			self.unindexEntry(&entry)
			cacheEvictionsTotal.WithLabelValues("persistent_ttl").Inc()
			continue
		}
		liveCount += 1
	}
	if self.settings.MaxPersistentWorkspaces < liveCount {
		self.evictPersistentOverflow()
	}
}

// drops the least-recently-updated fraction of the persistent tier
func (self *CacheStore) evictPersistentOverflow() {
	keys, err := self.storage.Keys(self.ctx)
	if err != nil {
		return
	}

	type agedKey struct {
		key         string
		entry       *CacheEntry
		lastUpdated time.Time
	}
	agedKeys := []agedKey{}
	for _, key := range keys {
		entryBytes, err := self.storage.Get(self.ctx, key)
		if err != nil || entryBytes == nil {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(entryBytes, &entry); err != nil {
			self.storage.Delete(self.ctx, key)
			continue
		}
		agedKeys = append(agedKeys, agedKey{
			key:         key,
			entry:       &entry,
			lastUpdated: entry.LastUpdated,
		})
	}

	evictCount := int(float64(len(agedKeys)) * self.settings.OverflowEvictFraction)
	if evictCount == 0 && 0 < len(agedKeys) {
		evictCount = 1
	}
	sort.Slice(agedKeys, func(i int, j int) bool {
		return agedKeys[i].lastUpdated.Before(agedKeys[j].lastUpdated)
	})
	for i := 0; i < evictCount; i += 1 {
		self.storage.Delete(self.ctx, agedKeys[i].key)
		self.unindexEntry(agedKeys[i].entry)
		cacheEvictionsTotal.WithLabelValues("persistent_overflow").Inc()
		glog.V(1).Infof("[cache]evict persistent %s\n", agedKeys[i].key)
	}
}

// lru eviction of the memory tier when the workspace count exceeds the max
func (self *CacheStore) enforceMemoryCapacity() {
	self.mutex.Lock()
	workspaceIds := maps.Keys(self.slots)
	self.mutex.Unlock()

	type agedWorkspace struct {
		workspaceId Id
		accessTime  time.Time
	}
	agedWorkspaces := []agedWorkspace{}
	for _, workspaceId := range workspaceIds {
		slot := self.slot(workspaceId)
		slot.mutex.Lock()
		if slot.entry != nil {
			agedWorkspaces = append(agedWorkspaces, agedWorkspace{
				workspaceId: workspaceId,
				accessTime:  slot.accessTime,
			})
		}
		slot.mutex.Unlock()
	}

	overflow := len(agedWorkspaces) - self.settings.MaxMemoryWorkspaces
	if overflow <= 0 {
		return
	}
	sort.Slice(agedWorkspaces, func(i int, j int) bool {
		return agedWorkspaces[i].accessTime.Before(agedWorkspaces[j].accessTime)
	})
	for i := 0; i < overflow; i += 1 {
		slot := self.slot(agedWorkspaces[i].workspaceId)
		slot.mutex.Lock()
		// the persistent copy survives, so the file index does too
		slot.entry = nil
		slot.mutex.Unlock()
		cacheEvictionsTotal.WithLabelValues("memory_lru").Inc()
	}
}

func (self *CacheStore) Close() {
	self.cancel()
}

func copyEntry(entry *CacheEntry) *CacheEntry {
	entryCopy := *entry
	entryCopy.Files = entry.Files.Copy()
	entryCopy.Pages = make([]*Page, len(entry.Pages))
	for i, page := range entry.Pages {
		pageCopy := *page
		entryCopy.Pages[i] = &pageCopy
	}
	entryCopy.Components = make([]*ComponentInstance, len(entry.Components))
	for i, component := range entry.Components {
		componentCopy := *component
		entryCopy.Components[i] = &componentCopy
	}
	return &entryCopy
}
