package model

import "sync"

// Handle is one acquisition of a model. The model cannot be unloaded while any
// handle on it is unreleased.
type Handle struct {
	cache    *Cache
	slot     *slot
	instance Instance
	once     sync.Once
}

func (h *Handle) Key() string {
	return h.slot.def.Key
}

func (h *Handle) Instance() Instance {
	return h.instance
}

// Release returns the acquisition. Only the first call has an effect.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cache.release(h.slot)
	})
}
