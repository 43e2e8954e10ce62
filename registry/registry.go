// Package registry is a small chained hash table keyed by narrow integers.
// It indexes diagnostic services by SID: few keys, sparse key space, and
// update-in-place semantics on re-insertion.
package registry

import "fmt"

// multiplier is odd so every key maps to a distinct product before the modulo.
const multiplier uint32 = 1101524993

const (
	DefaultBuckets = 32
	DefaultKeyBits = 8
)

// Config sizes a Table.
type Config struct {
	Buckets  int // number of chains, must be > 0
	Capacity int // maximum number of keys, 0 means Buckets
	KeyBits  int // key width in bits (1..32), 0 means DefaultKeyBits
}

type node[V any] struct {
	key   uint32
	value V
	next  *node[V]
}

// Table maps keys to values through chained buckets. Not safe for concurrent
// mutation; the owner serializes access.
type Table[V any] struct {
	buckets []*node[V]
	remain  int
	keyMask uint32
	order   []uint32
}

// New allocates a Table with cfg.Buckets empty chains.
func New[V any](cfg Config) (*Table[V], error) {
	if cfg.Buckets <= 0 {
		return nil, ParamError{newRegistryError(fmt.Sprintf("bucket count %d must be positive", cfg.Buckets))}
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = cfg.Buckets
	}
	if cfg.Capacity < 0 {
		return nil, ParamError{newRegistryError(fmt.Sprintf("capacity %d must not be negative", cfg.Capacity))}
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.KeyBits < 1 || cfg.KeyBits > 32 {
		return nil, ParamError{newRegistryError(fmt.Sprintf("key width %d out of range 1..32", cfg.KeyBits))}
	}
	return &Table[V]{
		buckets: make([]*node[V], cfg.Buckets),
		remain:  cfg.Capacity,
		keyMask: uint32(uint64(1)<<cfg.KeyBits - 1),
	}, nil
}

func (t *Table[V]) index(key uint32) int {
	return int((key * multiplier) % uint32(len(t.buckets)))
}

func (t *Table[V]) check(key uint32) error {
	if t == nil || t.buckets == nil {
		return ParamError{newRegistryError("table deleted or not initialized")}
	}
	if key&^t.keyMask != 0 {
		return ParamError{newRegistryError(fmt.Sprintf("key 0x%X wider than table keys", key))}
	}
	return nil
}

// Insert stores value under key. An existing key is updated in place and
// does not consume capacity.
func (t *Table[V]) Insert(key uint32, value V) error {
	if err := t.check(key); err != nil {
		return err
	}
	i := t.index(key)
	for n := t.buckets[i]; n != nil; n = n.next {
		if n.key == key {
			n.value = value
			return nil
		}
	}
	if t.remain <= 0 {
		return MemoryError{newRegistryError(fmt.Sprintf("no room for key 0x%X", key))}
	}
	t.buckets[i] = &node[V]{key: key, value: value, next: t.buckets[i]}
	t.remain--
	t.order = append(t.order, key)
	return nil
}

// Find returns the value stored under key.
func (t *Table[V]) Find(key uint32) (V, bool) {
	var zero V
	if t.check(key) != nil {
		return zero, false
	}
	for n := t.buckets[t.index(key)]; n != nil; n = n.next {
		if n.key == key {
			return n.value, true
		}
	}
	return zero, false
}

// Remove unlinks key from its chain.
func (t *Table[V]) Remove(key uint32) error {
	if err := t.check(key); err != nil {
		return err
	}
	i := t.index(key)
	var prev *node[V]
	for n := t.buckets[i]; n != nil; n = n.next {
		if n.key == key {
			if prev != nil {
				prev.next = n.next
			} else {
				t.buckets[i] = n.next
			}
			t.remain++
			t.forget(key)
			return nil
		}
		prev = n
	}
	return NotFoundError{newRegistryError(fmt.Sprintf("key 0x%X not found", key))}
}

func (t *Table[V]) forget(key uint32) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Keys returns the stored keys in insertion order.
func (t *Table[V]) Keys() []uint32 {
	if t == nil {
		return nil
	}
	return append([]uint32(nil), t.order...)
}

// Len reports the number of stored keys.
func (t *Table[V]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Remaining reports how many new keys still fit.
func (t *Table[V]) Remaining() int {
	if t == nil {
		return 0
	}
	return t.remain
}

// Delete drops every chain. The table is unusable afterwards; calling
// Delete twice is harmless.
func (t *Table[V]) Delete() {
	if t == nil || t.buckets == nil {
		return
	}
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.buckets = nil
	t.order = nil
	t.remain = 0
}
