package paychan

import "sync"

// Kmutex is a keyed mutex: it locks and unlocks per key rather than
// globally, so operations on unrelated server ids never contend.
type Kmutex struct {
	m *sync.Map
}

// NewKmutex is the Kmutex constructor.
func NewKmutex() Kmutex {
	m := sync.Map{}
	return Kmutex{&m}
}

// Lock locks the mutex for the given key, blocking until available.
func (k Kmutex) Lock(key interface{}) {
	m := sync.Mutex{}
	actual, _ := k.m.LoadOrStore(key, &m)
	mu := actual.(*sync.Mutex)
	mu.Lock()
	if mu != &m {
		mu.Unlock()
		k.Lock(key)
		return
	}
}

// Unlock unlocks the mutex for the given key and removes the key's entry.
func (k Kmutex) Unlock(key interface{}) {
	l, exists := k.m.Load(key)
	if !exists {
		panic("paychan: kmutex unlock of unlocked key")
	}
	mu := l.(*sync.Mutex)
	k.m.Delete(key)
	mu.Unlock()
}
