/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flightdata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// DefaultCacheTTL matches the provider's own update cadence; polling more
// often than this returns the same payload anyway.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	snap      *trip.FlightStatusSnapshot
	expiresAt time.Time
}

// CachedProvider decorates a Provider with a TTL cache keyed by
// (designator, date) and coalesces concurrent lookups for the same key, so
// a tick over many trips on one flight costs a single provider call.
//
// "Not found" (nil snapshot) is cached too; a missing flight does not
// reappear within one TTL.
type CachedProvider struct {
	inner   Provider
	ttl     time.Duration
	metrics *metrics.Recorder

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group

	clock func() time.Time
}

// NewCachedProvider wraps inner with a TTL cache. A non-positive ttl falls
// back to DefaultCacheTTL.
func NewCachedProvider(inner Provider, ttl time.Duration, rec *metrics.Recorder) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{
		inner:   inner,
		ttl:     ttl,
		metrics: rec,
		entries: map[string]cacheEntry{},
		clock:   time.Now,
	}
}

func cacheKey(designator, date string) string {
	return designator + "|" + date
}

// GetFlightStatus serves from cache when fresh, otherwise fetches through
// the inner provider with request coalescing. Errors are never cached.
func (p *CachedProvider) GetFlightStatus(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error) {
	key := cacheKey(designator, date)

	if snap, ok := p.lookup(key); ok {
		p.metrics.RecordCacheHit()
		return copySnapshot(snap), nil
	}

	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		// Another goroutine may have filled the entry while this one was
		// queued on the flight group.
		if snap, ok := p.lookup(key); ok {
			return snap, nil
		}
		p.metrics.RecordCacheMiss()
		snap, err := p.inner.GetFlightStatus(ctx, designator, date)
		if err != nil {
			return nil, err
		}
		p.store(key, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.metrics.RecordCacheCoalesced()
	}
	snap, _ := v.(*trip.FlightStatusSnapshot)
	return copySnapshot(snap), nil
}

// Refresh bypasses the cache, fetches a fresh snapshot, and replaces the
// cached entry. Used by boarding-gate enrichment, where a five-minute-old
// gate is exactly the problem.
func (p *CachedProvider) Refresh(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error) {
	snap, err := p.inner.GetFlightStatus(ctx, designator, date)
	if err != nil {
		return nil, err
	}
	p.store(cacheKey(designator, date), snap)
	return copySnapshot(snap), nil
}

// Invalidate drops one cached entry, forcing the next lookup to the provider.
func (p *CachedProvider) Invalidate(designator, date string) {
	p.mu.Lock()
	delete(p.entries, cacheKey(designator, date))
	p.mu.Unlock()
}

// Len reports the number of live entries, expired ones included until the
// next overwrite. Used by tests and the debug endpoint.
func (p *CachedProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *CachedProvider) lookup(key string) (*trip.FlightStatusSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	if !ok || p.clock().After(e.expiresAt) {
		return nil, false
	}
	return e.snap, true
}

func (p *CachedProvider) store(key string, snap *trip.FlightStatusSnapshot) {
	p.mu.Lock()
	p.entries[key] = cacheEntry{snap: snap, expiresAt: p.clock().Add(p.ttl)}
	p.mu.Unlock()
}

// copySnapshot returns a shallow copy so callers can stamp trip-specific
// fields (TripID) without mutating the shared cached value. Pointer fields
// are treated as immutable by every consumer.
func copySnapshot(snap *trip.FlightStatusSnapshot) *trip.FlightStatusSnapshot {
	if snap == nil {
		return nil
	}
	cp := *snap
	return &cp
}
