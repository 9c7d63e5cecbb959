package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrLoadFailure  = errors.New("model load failed")
	// ErrNotResident is returned in eager mode for a model that is defined but
	// not in memory (failed at startup or unloaded since).
	ErrNotResident = errors.New("model not resident")
)

// Instance is a loaded model. Close releases whatever memory it holds.
type Instance interface {
	Close() error
}

// Definition names a model and where its weights live. It never changes after startup.
type Definition struct {
	Key         string
	WeightsPath string
}

// Loader reads weights from storage and instantiates a model.
type Loader interface {
	Load(ctx context.Context, def Definition) (Instance, error)
}

type Options struct {
	// Eager loads every definition in Start. Otherwise models load on first Acquire.
	Eager bool
	// Reclaim runs after at least one model was unloaded. Defaults to debug.FreeOSMemory.
	Reclaim func()
}

type ModelStatus struct {
	Key      string    `json:"name"`
	Loaded   bool      `json:"loaded"`
	RefCount int       `json:"inUse"`
	LoadedAt time.Time `json:"loadedAt,omitempty"`
}

type UnloadResult struct {
	Unloaded []string `json:"unloadedModels"`
	Skipped  []string `json:"skippedModels"`
}

// loadCall is a load in flight. Acquirers arriving during the load wait on done
// and share err.
type loadCall struct {
	done chan struct{}
	err  error
}

type slot struct {
	def Definition

	mu       sync.Mutex
	loaded   bool
	refCount int
	instance Instance
	loadedAt time.Time
	pending  *loadCall
}

// Cache owns the loaded model instances and their usage counters.
// The slot set is fixed at construction; each slot has its own lock, so
// different keys never block each other.
type Cache struct {
	slots   map[string]*slot
	keys    []string
	loader  Loader
	eager   bool
	reclaim func()
}

func NewCache(defs []Definition, loader Loader, opts Options) *Cache {
	c := &Cache{
		slots:   make(map[string]*slot, len(defs)),
		loader:  loader,
		eager:   opts.Eager,
		reclaim: opts.Reclaim,
	}
	if c.reclaim == nil {
		c.reclaim = debug.FreeOSMemory
	}
	for _, def := range defs {
		if _, dup := c.slots[def.Key]; !dup {
			c.keys = append(c.keys, def.Key)
		}
		c.slots[def.Key] = &slot{def: def}
	}
	sort.Strings(c.keys)
	return c
}

// Eager reports the loading strategy.
func (c *Cache) Eager() bool {
	return c.eager
}

// Start loads every model when the cache is eager. A model that fails to load is
// logged and stays unavailable; an error is returned only if none could be loaded.
func (c *Cache) Start(ctx context.Context) error {
	if !c.eager {
		log.Printf("Models will be loaded on demand. Definitions: %v", c.keys)
		return nil
	}

	loaded := 0
	for _, key := range c.keys {
		s := c.slots[key]
		call := &loadCall{done: make(chan struct{})}
		s.mu.Lock()
		s.pending = call
		s.mu.Unlock()

		c.load(ctx, s, call)
		if call.err != nil {
			log.Printf("Error loading model '%s' at startup: %v", key, call.err)
			continue
		}
		loaded++
	}
	if len(c.keys) > 0 && loaded == 0 {
		return fmt.Errorf("%w: none of %d models could be loaded at startup", ErrLoadFailure, len(c.keys))
	}
	log.Printf("%d of %d models loaded at startup.", loaded, len(c.keys))
	return nil
}

// Acquire returns a handle on a loaded model, loading it first in lazy mode.
// The caller must Release the handle; `defer h.Release()` right after the error
// check is the expected form. A failed acquire leaves the usage counter untouched.
func (c *Cache) Acquire(ctx context.Context, key string) (*Handle, error) {
	s, ok := c.slots[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, key)
	}

	for {
		s.mu.Lock()
		if s.loaded {
			s.refCount++
			n, inst := s.refCount, s.instance
			s.mu.Unlock()
			log.Printf("[REF_COUNT] INCREMENT: Model '%s' in use count is now %d.", key, n)
			return &Handle{cache: c, slot: s, instance: inst}, nil
		}

		if call := s.pending; call != nil {
			s.mu.Unlock()
			select {
			case <-call.done:
				if call.err != nil {
					return nil, call.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if c.eager {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrNotResident, key)
		}

		call := &loadCall{done: make(chan struct{})}
		s.pending = call
		s.mu.Unlock()

		log.Printf("Loading model '%s' on demand...", key)
		// Waiters share this load, so it must outlive the caller that started it.
		go c.load(context.WithoutCancel(ctx), s, call)
		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// Loaded; take the reference on the next pass.
	}
}

// load runs the loader without holding the slot lock and publishes the result.
func (c *Cache) load(ctx context.Context, s *slot, call *loadCall) {
	var inst Instance
	err := fmt.Errorf("%w: model %q: load did not complete", ErrLoadFailure, s.def.Key)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: model %q: panic during load: %v", ErrLoadFailure, s.def.Key, r)
		}
		s.mu.Lock()
		if err == nil {
			s.instance = inst
			s.loaded = true
			s.loadedAt = time.Now()
		}
		s.pending = nil
		call.err = err
		s.mu.Unlock()
		close(call.done)
	}()

	loaded, lerr := c.loader.Load(ctx, s.def)
	switch {
	case lerr != nil:
		err = fmt.Errorf("%w: model %q: %w", ErrLoadFailure, s.def.Key, lerr)
	case loaded == nil:
		err = fmt.Errorf("%w: model %q: loader returned no instance", ErrLoadFailure, s.def.Key)
	default:
		inst, err = loaded, nil
		log.Printf("Model '%s' loaded from %s.", s.def.Key, s.def.WeightsPath)
	}
}

func (c *Cache) release(s *slot) {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	n := s.refCount
	s.mu.Unlock()
	log.Printf("[REF_COUNT] DECREMENT: Model '%s' in use count is now %d.", s.def.Key, n)
}

// Unload discards the instances of the given keys, or of every loaded model when
// keys is empty. Models in use are skipped and stay loaded. Keys that are unknown
// or not loaded appear in neither list.
func (c *Cache) Unload(keys []string) UnloadResult {
	targets := keys
	if len(targets) == 0 {
		targets = c.loadedKeys()
	}

	res := UnloadResult{Unloaded: []string{}, Skipped: []string{}}
	var discarded []Instance
	for _, key := range targets {
		s, ok := c.slots[key]
		if !ok {
			continue
		}

		s.mu.Lock()
		switch {
		case s.refCount > 0:
			log.Printf("Skipping unload for '%s': model is in use (count: %d).", key, s.refCount)
			res.Skipped = append(res.Skipped, key)
		case s.loaded:
			discarded = append(discarded, s.instance)
			s.instance = nil
			s.loaded = false
			s.loadedAt = time.Time{}
			res.Unloaded = append(res.Unloaded, key)
		}
		s.mu.Unlock()
	}

	c.discard(discarded)
	for _, key := range res.Unloaded {
		log.Printf("Model '%s' unloaded.", key)
	}
	return res
}

// UnloadAll discards every instance regardless of usage. Only for shutdown.
func (c *Cache) UnloadAll() {
	var discarded []Instance
	for _, key := range c.keys {
		s := c.slots[key]
		s.mu.Lock()
		if s.loaded {
			discarded = append(discarded, s.instance)
			s.instance = nil
			s.loaded = false
		}
		s.mu.Unlock()
	}
	c.discard(discarded)
	log.Println("All models unloaded.")
}

func (c *Cache) discard(instances []Instance) {
	if len(instances) == 0 {
		return
	}
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			log.Printf("Warning: closing model instance: %v", err)
		}
	}
	c.reclaim()
}

// Status returns a point-in-time view of every defined model, sorted by key.
func (c *Cache) Status() []ModelStatus {
	out := make([]ModelStatus, 0, len(c.keys))
	for _, key := range c.keys {
		s := c.slots[key]
		s.mu.Lock()
		out = append(out, ModelStatus{
			Key:      key,
			Loaded:   s.loaded,
			RefCount: s.refCount,
			LoadedAt: s.loadedAt,
		})
		s.mu.Unlock()
	}
	return out
}

// RefCount returns the usage counter of a model, 0 for unknown keys.
func (c *Cache) RefCount(key string) int {
	s, ok := c.slots[key]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// Has reports whether key names a defined model.
func (c *Cache) Has(key string) bool {
	_, ok := c.slots[key]
	return ok
}

func (c *Cache) loadedKeys() []string {
	var keys []string
	for _, key := range c.keys {
		s := c.slots[key]
		s.mu.Lock()
		if s.loaded {
			keys = append(keys, key)
		}
		s.mu.Unlock()
	}
	return keys
}
