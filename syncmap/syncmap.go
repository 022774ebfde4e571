// Package syncmap provides a concurrent map for non-critical metadata
// caches. Reads run in parallel; Store is queued to a single writer and
// applied in submission order.
package syncmap

import "sync"

type op[K comparable, V any] struct {
	key   K
	value V
	// barrier is closed once every op queued before it was applied.
	barrier chan struct{}
}

type Dictionary[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V

	qmu    sync.Mutex
	queue  []op[K, V]
	signal chan struct{}
	closed bool
	done   chan struct{}
}

// New starts the writer goroutine. Close stops it.
func New[K comparable, V any]() *Dictionary[K, V] {
	d := &Dictionary[K, V]{
		m:      make(map[K]V),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.writer()
	return d
}

func (d *Dictionary[K, V]) writer() {
	defer close(d.done)

	for {
		<-d.signal

		d.qmu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.qmu.Unlock()

		d.apply(batch)

		if closed {
			return
		}
	}
}

func (d *Dictionary[K, V]) apply(batch []op[K, V]) {
	if len(batch) == 0 {
		return
	}

	d.mu.Lock()
	for _, o := range batch {
		if o.barrier == nil {
			d.m[o.key] = o.value
		}
	}
	d.mu.Unlock()

	for _, o := range batch {
		if o.barrier != nil {
			close(o.barrier)
		}
	}
}

func (d *Dictionary[K, V]) enqueue(o op[K, V]) bool {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return false
	}
	d.queue = append(d.queue, o)
	d.qmu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

// Store queues a write and returns immediately. The value is not visible to
// readers until the writer applied it; use Flush to wait for that. After
// Close the write is applied synchronously.
func (d *Dictionary[K, V]) Store(key K, value V) {
	if d.enqueue(op[K, V]{key: key, value: value}) {
		return
	}

	d.mu.Lock()
	d.m[key] = value
	d.mu.Unlock()
}

// Flush blocks until every Store issued before it is visible.
func (d *Dictionary[K, V]) Flush() {
	barrier := make(chan struct{})
	if !d.enqueue(op[K, V]{barrier: barrier}) {
		<-d.done
		return
	}
	<-barrier
}

func (d *Dictionary[K, V]) Load(key K) (V, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.m[key]
	return v, ok
}

func (d *Dictionary[K, V]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.m)
}

// Range calls fn for every entry until it returns false. fn must not write
// to the dictionary.
func (d *Dictionary[K, V]) Range(fn func(K, V) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for k, v := range d.m {
		if !fn(k, v) {
			return
		}
	}
}

// Update replaces the value of key with fn(old, ok) after earlier Stores
// were applied, and returns the new value.
func (d *Dictionary[K, V]) Update(key K, fn func(old V, ok bool) V) V {
	d.Flush()

	d.mu.Lock()
	defer d.mu.Unlock()

	old, ok := d.m[key]
	v := fn(old, ok)
	d.m[key] = v
	return v
}

// RemoveValue deletes key after earlier Stores were applied and returns the
// removed value.
func (d *Dictionary[K, V]) RemoveValue(key K) (V, bool) {
	d.Flush()

	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.m[key]
	delete(d.m, key)
	return v, ok
}

// RemoveAll empties the dictionary after earlier Stores were applied.
func (d *Dictionary[K, V]) RemoveAll() {
	d.Flush()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.m = make(map[K]V)
}

// Close applies all queued writes and stops the writer. It is safe to call
// more than once.
func (d *Dictionary[K, V]) Close() {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.qmu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	<-d.done
}
