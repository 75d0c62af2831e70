// Package pointres resolves source addresses to registered points through
// a bounded LRU cache backed by the metadata store. The cache is shared
// read-mostly; refresh on miss is single-flight per address.
package pointres

import (
	"container/list"
	"errors"
	"sync"

	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
)

// PointLookup is the metadata-store surface the resolver needs.
type PointLookup interface {
	GetPointByAddress(address string) (models.Point, error)
}

type cacheEntry struct {
	address string
	point   models.Point
}

// Resolver is a bounded LRU of address to point resolutions.
type Resolver struct {
	mu       sync.Mutex
	store    PointLookup
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	inflight map[string]*sync.WaitGroup
}

// New creates a resolver with the given capacity.
func New(store PointLookup, capacity int) *Resolver {
	if capacity < 1 {
		capacity = 1
	}
	return &Resolver{
		store:    store,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// Resolve returns the point registered for address, loading it from the
// metadata store on a cache miss. Concurrent misses for one address share
// a single store lookup.
func (r *Resolver) Resolve(address string) (models.Point, error) {
	r.mu.Lock()
	if el, ok := r.entries[address]; ok {
		r.order.MoveToFront(el)
		p := el.Value.(*cacheEntry).point
		r.mu.Unlock()
		return p, nil
	}

	// Single writer per address: later arrivals wait for the first.
	if wg, ok := r.inflight[address]; ok {
		r.mu.Unlock()
		wg.Wait()
		return r.Resolve(address)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.inflight[address] = wg
	r.mu.Unlock()

	point, err := r.store.GetPointByAddress(address)

	r.mu.Lock()
	delete(r.inflight, address)
	wg.Done()
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return models.Point{}, pkgerrors.ErrNotFound
		}
		return models.Point{}, err
	}
	r.putLocked(address, point)
	r.mu.Unlock()
	return point, nil
}

// Put inserts a resolution directly, e.g. after point registration.
func (r *Resolver) Put(point models.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(point.Address, point)
}

func (r *Resolver) putLocked(address string, point models.Point) {
	if el, ok := r.entries[address]; ok {
		el.Value.(*cacheEntry).point = point
		r.order.MoveToFront(el)
		return
	}
	el := r.order.PushFront(&cacheEntry{address: address, point: point})
	r.entries[address] = el
	for len(r.entries) > r.capacity {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheEntry).address)
	}
}

// Invalidate drops a cached address, forcing the next Resolve to the store.
func (r *Resolver) Invalidate(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[address]; ok {
		r.order.Remove(el)
		delete(r.entries, address)
	}
}

// Len returns the number of cached resolutions.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
