package builder

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type RegistryState string

const (
	RegistryStateEmpty   RegistryState = "empty"
	RegistryStateLoading RegistryState = "loading"
	RegistryStateLoaded  RegistryState = "loaded"
)

// fetches the full component type catalog from the remote store
type CatalogFetchFunc func(ctx context.Context) ([]*ComponentType, error)

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		// distinct from the file cache ttl
		Ttl: 5 * time.Minute,
	}
}

type RegistrySettings struct {
	Ttl time.Duration
}

// one in-flight catalog refresh shared by all concurrent callers
type inflightRefresh struct {
	done   chan struct{}
	result []*ComponentType
	err    error
}

// loads and caches component type definitions wholesale.
// Empty -> Loading -> Loaded; a fetch error returns the registry to
// Empty, never leaves it stuck in Loading
type ComponentTypeRegistry struct {
	ctx context.Context

	fetch CatalogFetchFunc

	settings *RegistrySettings

	mutex      sync.Mutex
	state      RegistryState
	types      map[Id]*ComponentType
	loadedTime time.Time
	inflight   *inflightRefresh

	update *Monitor
}

func NewComponentTypeRegistryWithDefaults(ctx context.Context, fetch CatalogFetchFunc) *ComponentTypeRegistry {
	return NewComponentTypeRegistry(ctx, fetch, DefaultRegistrySettings())
}

func NewComponentTypeRegistry(ctx context.Context, fetch CatalogFetchFunc, settings *RegistrySettings) *ComponentTypeRegistry {
	return &ComponentTypeRegistry{
		ctx:      ctx,
		fetch:    fetch,
		settings: settings,
		state:    RegistryStateEmpty,
		types:    map[Id]*ComponentType{},
		update:   NewMonitor(),
	}
}

func (self *ComponentTypeRegistry) State() RegistryState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *ComponentTypeRegistry) GetType(ctx context.Context, componentTypeId Id) (*ComponentType, error) {
	types, err := self.load(ctx)
	if err != nil {
		return nil, err
	}
	return types[componentTypeId], nil
}

func (self *ComponentTypeRegistry) ListByCategory(ctx context.Context, category string) ([]*ComponentType, error) {
	types, err := self.load(ctx)
	if err != nil {
		return nil, err
	}
	categoryTypes := []*ComponentType{}
	for _, componentType := range types {
		if componentType.Category == category {
			categoryTypes = append(categoryTypes, componentType)
		}
	}
	return categoryTypes, nil
}

// forces a refresh regardless of ttl. concurrent callers share one
// in-flight catalog fetch
func (self *ComponentTypeRegistry) RefreshAll(ctx context.Context) ([]*ComponentType, error) {
	refresh := self.startRefresh()
	return self.await(ctx, refresh)
}

func (self *ComponentTypeRegistry) load(ctx context.Context) (map[Id]*ComponentType, error) {
	self.mutex.Lock()
	if self.state == RegistryStateLoaded && time.Since(self.loadedTime) < self.settings.Ttl {
		types := self.types
		self.mutex.Unlock()
		return types, nil
	}
	self.mutex.Unlock()

	refresh := self.startRefresh()
	if _, err := self.await(ctx, refresh); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	types := self.types
	self.mutex.Unlock()
	return types, nil
}

func (self *ComponentTypeRegistry) startRefresh() *inflightRefresh {
	self.mutex.Lock()
	if self.inflight != nil {
		refresh := self.inflight
		self.mutex.Unlock()
		return refresh
	}
	refresh := &inflightRefresh{
		done: make(chan struct{}),
	}
	self.inflight = refresh
	self.state = RegistryStateLoading
	self.mutex.Unlock()

	go HandleError(func() {
		self.runRefresh(refresh)
	}, func() {
		// a panicked refresh behaves like a fetch error
		self.mutex.Lock()
		if self.inflight == refresh {
			self.inflight = nil
			self.state = RegistryStateEmpty
		}
		self.mutex.Unlock()
	})
	return refresh
}

func (self *ComponentTypeRegistry) runRefresh(refresh *inflightRefresh) {
	catalog, err := self.fetch(self.ctx)

	self.mutex.Lock()
	if err != nil {
		glog.Infof("[registry]refresh = %s\n", err)
		self.state = RegistryStateEmpty
		self.inflight = nil
		self.mutex.Unlock()
		refresh.err = err
		close(refresh.done)
		return
	}

	// an upstream catalog can return the same id twice. keep the first
	types := map[Id]*ComponentType{}
	deduped := []*ComponentType{}
	for _, componentType := range catalog {
		if _, ok := types[componentType.Id]; ok {
			glog.V(1).Infof("[registry]duplicate type %s\n", componentType.Id)
			continue
		}
		types[componentType.Id] = componentType
		deduped = append(deduped, componentType)
	}

	self.types = types
	self.state = RegistryStateLoaded
	self.loadedTime = time.Now()
	self.inflight = nil
	self.mutex.Unlock()

	refresh.result = deduped
	close(refresh.done)
	self.update.NotifyAll()
}

func (self *ComponentTypeRegistry) await(ctx context.Context, refresh *inflightRefresh) ([]*ComponentType, error) {
	select {
	case <-refresh.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
	return refresh.result, refresh.err
}

func (self *ComponentTypeRegistry) UpdateMonitor() *Monitor {
	return self.update
}
