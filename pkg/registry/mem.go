package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ghettovoice/gosip/sip"
)

// MemoryDirectory is a SessionDirectory on top of sync.Map.
type MemoryDirectory[S comparable] struct {
	sessions sync.Map
	count    atomic.Int64
}

func NewMemoryDirectory[S comparable]() *MemoryDirectory[S] {
	return &MemoryDirectory[S]{}
}

func (d *MemoryDirectory[S]) LoadOrStore(key string, s S) (S, bool) {
	actual, loaded := d.sessions.LoadOrStore(key, s)
	if !loaded {
		d.count.Add(1)
	}
	return actual.(S), loaded
}

func (d *MemoryDirectory[S]) Load(key string) (S, bool) {
	v, ok := d.sessions.Load(key)
	if !ok {
		var zero S
		return zero, false
	}
	return v.(S), true
}

func (d *MemoryDirectory[S]) Remove(key string, s S) bool {
	if d.sessions.CompareAndDelete(key, s) {
		d.count.Add(-1)
		return true
	}
	return false
}

func (d *MemoryDirectory[S]) Range(f func(key string, s S) bool) {
	d.sessions.Range(func(k, v any) bool {
		return f(k.(string), v.(S))
	})
}

func (d *MemoryDirectory[S]) Len() int {
	return int(d.count.Load())
}

// MemoryRegistry Address-of-Record registry using memory.
type MemoryRegistry struct {
	mutex *sync.Mutex
	aors  map[string]map[string]*ContactInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		aors:  make(map[string]map[string]*ContactInstance),
		mutex: new(sync.Mutex),
	}
}

// aorKey reduces an AOR to user@host, ignoring parameters.
func aorKey(aor sip.Uri) string {
	user := ""
	if aor.User() != nil {
		user = aor.User().String()
	}
	return user + "@" + aor.Host()
}

// AddAor stores instance for aor, replacing a binding from the same source.
// A zero expiry removes the binding instead.
func (mr *MemoryRegistry) AddAor(aor sip.Uri, instance *ContactInstance) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()
	key := aorKey(aor)
	if instance.RegExpires == 0 {
		if instances, ok := mr.aors[key]; ok {
			delete(instances, instance.Source)
			if len(instances) == 0 {
				delete(mr.aors, key)
			}
		}
		return nil
	}
	instances, ok := mr.aors[key]
	if !ok {
		instances = make(map[string]*ContactInstance)
		mr.aors[key] = instances
	}
	instances[instance.Source] = instance
	return nil
}

func (mr *MemoryRegistry) RemoveAor(aor sip.Uri) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()
	key := aorKey(aor)
	if _, ok := mr.aors[key]; !ok {
		return fmt.Errorf("Not found instances for %v", aor)
	}
	delete(mr.aors, key)
	return nil
}

func (mr *MemoryRegistry) AorIsRegistered(aor sip.Uri) bool {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()
	_, ok := mr.aors[aorKey(aor)]
	return ok
}

// GetContacts returns a copy of the bindings of aor.
func (mr *MemoryRegistry) GetContacts(aor sip.Uri) (map[string]*ContactInstance, bool) {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()
	instances, ok := mr.aors[aorKey(aor)]
	if !ok {
		return nil, false
	}
	out := make(map[string]*ContactInstance, len(instances))
	for k, v := range instances {
		out[k] = v
	}
	return out, true
}
