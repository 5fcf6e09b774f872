// Package hashtable implements a sharded hashtable with a lock-free
// Get over generic key/value types, specialized by src/mobj for an
// int-keyed (page number) resident pframe set.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint64
	next    *elem[K, V]
}

type bucket[K comparable, V any] struct {
	sync.RWMutex
	first *elem[K, V]
}

func (b *bucket[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()
	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

// Pair is a key/value tuple returned by Table.Elems.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

func (b *bucket[K, V]) elems() []Pair[K, V] {
	b.RLock()
	defer b.RUnlock()
	p := make([]Pair[K, V], 0, b.len())
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair[K, V]{Key: e.key, Value: e.value})
	}
	return p
}

// Hasher computes a shard/identity hash for a key. Callers key this
// table on comparable scalars (src/mobj keys it on page numbers, ints)
// so a generic reflection-based hash isn't needed.
type Hasher[K comparable] func(K) uint64

// Table is a basic hash table mapping keys to values, protected
// internally by per-bucket locks; Get is lock-free on the read path.
type Table[K comparable, V any] struct {
	table []*bucket[K, V]
	hashFn Hasher[K]
}

// New allocates a Table with size buckets, hashing keys with hashFn.
func New[K comparable, V any](size int, hashFn Hasher[K]) *Table[K, V] {
	if size < 1 {
		size = 1
	}
	ht := &Table[K, V]{
		table:  make([]*bucket[K, V], size),
		hashFn: hashFn,
	}
	for i := range ht.table {
		ht.table[i] = &bucket[K, V]{}
	}
	return ht
}

// IntHasher is the Hasher used for int-keyed tables (page numbers).
func IntHasher(k int) uint64 {
	h := uint64(k)
	h *= 2654435761
	return h
}

// Size returns the total number of elements stored in the table.
func (ht *Table[K, V]) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Elems returns all key/value pairs currently stored.
func (ht *Table[K, V]) Elems() []Pair[K, V] {
	p := make([]Pair[K, V], 0)
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// Get looks up key and returns its value, lock-free on the read path.
func (ht *Table[K, V]) Get(key K) (V, bool) {
	kh := ht.hash(key)
	b := ht.table[kh%uint64(len(ht.table))]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts a key/value pair, reporting false if the key already
// existed (in which case the existing value is returned unchanged).
func (ht *Table[K, V]) Set(key K, value V) (V, bool) {
	kh := ht.hash(key)
	b := ht.table[kh%uint64(len(ht.table))]
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
	}
	n := &elem[K, V]{key: key, value: value, keyHash: kh, next: b.first}
	storeptr(&b.first, n)
	return value, true
}

// Del removes a key from the table. It is a no-op if the key is
// absent.
func (ht *Table[K, V]) Del(key K) {
	kh := ht.hash(key)
	b := ht.table[kh%uint64(len(ht.table))]
	b.Lock()
	defer b.Unlock()

	var last *elem[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
}

// Iter applies f to each key/value pair until f returns true.
func (ht *Table[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.table {
		for e := b.first; e != nil; e = loadptr(&e.next) {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

func (ht *Table[K, V]) hash(key K) uint64 {
	return ht.hashFn(key)
}

// Without an explicit memory model this relies on the assumption that
// pointer-chasing reads in Get and pointer publication in Set/Del are
// safe on the architectures this targets, and that the Go compiler
// does not reorder loads with respect to atomic.LoadPointer.
func loadptr[K comparable, V any](e **elem[K, V]) *elem[K, V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem[K, V])(p)
}

func storeptr[K comparable, V any](p **elem[K, V], n *elem[K, V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, (unsafe.Pointer)(n))
}
