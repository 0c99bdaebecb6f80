package builder

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		CacheSettings:    DefaultCacheSettings(),
		RegistrySettings: DefaultRegistrySettings(),
		ComposeSettings:  DefaultComposeSettings(),
		SyncSettings:     DefaultSyncSettings(),
	}
}

type EngineSettings struct {
	CacheSettings    *CacheSettings
	RegistrySettings *RegistrySettings
	ComposeSettings  *ComposeSettings
	SyncSettings     *SyncSettings
}

// ties the cache store, patch engine, type registry, composer and sync
// channels together behind the contracts the ui layer depends on
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *BuilderApi
	cache    *CacheStore
	registry *ComponentTypeRegistry
	composer *Composer
	patch    *PatchEngine

	syncUrl string

	settings *EngineSettings

	mutex    sync.Mutex
	channels map[Id]*SyncChannel
}

func NewEngineWithDefaults(ctx context.Context, apiUrl string, syncUrl string, byJwt string, storage Storage) *Engine {
	return NewEngine(ctx, apiUrl, syncUrl, byJwt, storage, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, apiUrl string, syncUrl string, byJwt string, storage Storage, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewBuilderApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(byJwt)

	engine := &Engine{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		syncUrl:  syncUrl,
		settings: settings,
		channels: map[Id]*SyncChannel{},
	}

	engine.cache = NewCacheStore(
		cancelCtx,
		storage,
		func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
			return api.GetWorkspaceFilesSync(ctx, workspaceId)
		},
		settings.CacheSettings,
	)
	engine.registry = NewComponentTypeRegistry(
		cancelCtx,
		func(ctx context.Context) ([]*ComponentType, error) {
			result, err := api.GetComponentTypesSync(ctx)
			if err != nil {
				return nil, err
			}
			return result.ComponentTypes, nil
		},
		settings.RegistrySettings,
	)
	engine.composer = NewComposer(cancelCtx, engine.cache, engine.registry, api, settings.ComposeSettings)
	engine.patch = NewPatchEngine(cancelCtx, engine.cache, api, engine.broadcast)

	return engine
}

func (self *Engine) Api() *BuilderApi {
	return self.api
}

func (self *Engine) Cache() *CacheStore {
	return self.cache
}

func (self *Engine) Registry() *ComponentTypeRegistry {
	return self.registry
}

func (self *Engine) GetFiles(ctx context.Context, workspaceId Id) (*WorkspaceFileSet, error) {
	return self.cache.Get(ctx, workspaceId)
}

// updates the cache synchronously, broadcasts to peers, and pushes the
// full content to the remote store asynchronously
func (self *Engine) UpdateFile(fileId Id, content string, remoteCallback func(result *UpdateFileResult, err error)) bool {
	fileName, _, ok := self.cache.UpdateFileContent(fileId, content)
	if !ok {
		return false
	}

	if workspaceId, ok := self.cache.WorkspaceForFile(fileId); ok {
		fileIdCopy := fileId
		self.broadcast(&SyncMessage{
			Type:        SyncMessageFileUpdated,
			WorkspaceId: workspaceId,
			FileId:      &fileIdCopy,
			Content:     content,
		})
	}

	self.api.UpdateFile(
		fileId,
		&UpdateFileArgs{
			Content: content,
		},
		NewApiCallback[*UpdateFileResult](func(result *UpdateFileResult, err error) {
			if err != nil {
				glog.Infof("[engine]update %s = %s\n", fileName, err)
			}
			if remoteCallback != nil {
				remoteCallback(result, err)
			}
		}),
	)
	return true
}

// applies a minimal edit locally. `Applied` false means the caller must
// fall back to `UpdateFile` to avoid losing the edit
func (self *Engine) UpdateFileLight(change *LightChange, remoteCallback LightChangeRemoteFunc) *LightChangeResult {
	return self.patch.ApplyLightChange(change, remoteCallback)
}

// saves the full file set remotely, then replaces the cached copy from
// the authoritative response and broadcasts it to peers
func (self *Engine) BulkSaveFiles(ctx context.Context, workspaceId Id, files []*BulkSaveFile) (*BulkSaveFilesResult, error) {
	result, err := self.api.BulkSaveFilesSync(ctx, workspaceId, &BulkSaveFilesArgs{
		Files: files,
	})
	if err != nil {
		return nil, err
	}

	savedFiles := append([]*File{}, result.CreatedFiles...)
	savedFiles = append(savedFiles, result.UpdatedFiles...)
	if 0 < len(savedFiles) {
		self.cache.Put(workspaceId, &WorkspaceFileSet{
			WorkspaceId: workspaceId,
			Files:       savedFiles,
		})
		self.broadcast(&SyncMessage{
			Type:        SyncMessageBulkFilesUpdated,
			WorkspaceId: workspaceId,
			Files:       savedFiles,
		})
	}

	return result, nil
}

func (self *Engine) GeneratePreview(ctx context.Context, workspaceId Id, pageRoute string) (*Document, error) {
	return self.composer.GeneratePreview(ctx, workspaceId, pageRoute)
}

func (self *Engine) GetType(ctx context.Context, componentTypeId Id) (*ComponentType, error) {
	return self.registry.GetType(ctx, componentTypeId)
}

func (self *Engine) ListTypesByCategory(ctx context.Context, category string) ([]*ComponentType, error) {
	return self.registry.ListByCategory(ctx, category)
}

func (self *Engine) RefreshAllTypes(ctx context.Context) ([]*ComponentType, error) {
	return self.registry.RefreshAll(ctx)
}

func (self *Engine) AddChangeCallback(changeCallback ChangeFunc) func() {
	return self.cache.AddChangeCallback(changeCallback)
}

// opens the sync channel for a workspace. idempotent
func (self *Engine) OpenWorkspace(workspaceId Id) *SyncChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if channel, ok := self.channels[workspaceId]; ok {
		return channel
	}
	channel := NewSyncChannel(self.ctx, workspaceId, self.syncUrl, self.api.ByJwt(), self.cache, self.settings.SyncSettings)
	self.channels[workspaceId] = channel
	return channel
}

// stops the workspace's sync channel and its reconnect loop. the cache
// tiers are unaffected, the global sweep keeps governing them
func (self *Engine) CloseWorkspace(workspaceId Id) {
	self.mutex.Lock()
	channel, ok := self.channels[workspaceId]
	delete(self.channels, workspaceId)
	self.mutex.Unlock()
	if ok {
		channel.Close()
	}
}

func (self *Engine) broadcast(message *SyncMessage) {
	self.mutex.Lock()
	channel, ok := self.channels[message.WorkspaceId]
	self.mutex.Unlock()
	if ok {
		channel.Send(message)
	}
}

func (self *Engine) Close() {
	self.mutex.Lock()
	channels := self.channels
	self.channels = map[Id]*SyncChannel{}
	self.mutex.Unlock()
	for _, channel := range channels {
		channel.Close()
	}
	self.cache.Close()
	self.cancel()
}
