// Package pool implements the bounded per-root backend pool (C6): at most
// MaxBackends live child processes at a time, evicting the least-recently-used
// idle one to make room for a new root, and reaping backends that have sat
// idle past a TTL.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/margbug01/ace-proxy/internal/backend"
	"github.com/margbug01/ace-proxy/internal/rpcerr"
)

// Factory spawns a new backend.Instance for root. Supplied by the caller so
// the pool stays decoupled from backend.Config's node/auggie-entry plumbing.
type Factory func(ctx context.Context, root string) (*backend.Instance, error)

// Pool is a bounded, root-keyed LRU of backend instances.
type Pool struct {
	mu      sync.Mutex
	max     int
	factory Factory

	order *list.List               // front = most recently used
	elems map[string]*list.Element // root -> element, element.Value is *entry
}

type entry struct {
	root     string
	instance *backend.Instance
}

// New constructs a Pool bounded at max concurrently live backends (minimum 1).
func New(max int, factory Factory) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		max:     max,
		factory: factory,
		order:   list.New(),
		elems:   make(map[string]*list.Element),
	}
}

// GetOrCreate returns the backend for root, spawning one (evicting the LRU
// idle backend first if at capacity) if none exists yet or the existing one
// is dead.
func (p *Pool) GetOrCreate(ctx context.Context, root string) (*backend.Instance, error) {
	p.mu.Lock()
	if el, ok := p.elems[root]; ok {
		e := el.Value.(*entry)
		if !e.instance.IsDead() {
			p.order.MoveToFront(el)
			p.mu.Unlock()
			return e.instance, nil
		}
		// Dead: drop it and fall through to respawn.
		p.order.Remove(el)
		delete(p.elems, root)
	}

	for len(p.elems) >= p.max {
		if !p.evictLRULocked() {
			p.mu.Unlock()
			return nil, rpcerr.BackendUnavailable("all backends are busy, cannot evict to make room for %s", root)
		}
	}
	p.mu.Unlock()

	inst, err := p.factory(ctx, root)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.elems[root]; ok {
		// Lost a race with a concurrent GetOrCreate for the same root; keep
		// the winner and shut down the instance we just spawned.
		go inst.Shutdown()
		return el.Value.(*entry).instance, nil
	}
	el := p.order.PushFront(&entry{root: root, instance: inst})
	p.elems[root] = el
	return inst, nil
}

// Get returns the backend already pooled for root, without spawning one. It
// reports false if root has no live backend, so callers that must not spawn
// as a side effect (e.g. delivering a batched file-change notification) can
// skip roots that aren't currently running.
func (p *Pool) Get(root string) (*backend.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elems[root]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.instance.IsDead() {
		return nil, false
	}
	p.order.MoveToFront(el)
	return e.instance, true
}

// evictLRULocked scans from least to most recently used, evicting the first
// backend with no pending requests. Returns false if every backend has
// pending work and none could be evicted. Caller must hold p.mu.
func (p *Pool) evictLRULocked() bool {
	for el := p.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.instance.HasPending() {
			continue
		}
		p.order.Remove(el)
		delete(p.elems, e.root)
		go e.instance.Shutdown()
		return true
	}
	return false
}

// ReapIdle shuts down every backend that is Dead (fails the health check) or
// has had no activity for at least ttl and has no pending requests.
func (p *Pool) ReapIdle(ttl time.Duration) {
	p.mu.Lock()
	var toReap []*list.Element
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.instance.IsDead() || e.instance.IsIdle(ttl) {
			toReap = append(toReap, el)
		}
	}
	for _, el := range toReap {
		e := el.Value.(*entry)
		p.order.Remove(el)
		delete(p.elems, e.root)
	}
	p.mu.Unlock()

	for _, el := range toReap {
		el.Value.(*entry).instance.Shutdown()
	}
}

// ShutdownAll drains every backend in LRU order, used on proxy exit.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	var instances []*backend.Instance
	for el := p.order.Back(); el != nil; el = el.Prev() {
		instances = append(instances, el.Value.(*entry).instance)
	}
	p.order.Init()
	p.elems = make(map[string]*list.Element)
	p.mu.Unlock()

	for _, inst := range instances {
		inst.Shutdown()
	}
}

// Len reports the number of currently pooled backends.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elems)
}
