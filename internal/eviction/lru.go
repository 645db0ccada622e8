// Package eviction provides eviction policies for the object directory.
// A policy only ever chooses among eligible entries (sealed, unreferenced);
// the directory enforces that contract defensively on top.
package eviction

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/shmstore/shmstore/pkg/oid"
)

// maxTracked bounds the internal recency list. It is effectively unlimited;
// the directory's capacity accounting is the real bound on entries.
const maxTracked = 1 << 30

// LRU reclaims the least recently released entries first. It keeps the
// eligible set in release order: an entry enters the list when it becomes
// sealed and unreferenced, and leaves it when referenced again or removed.
//
// Not safe for concurrent use; the directory drives it from its single
// serialized request stream.
type LRU struct {
	order *simplelru.LRU[oid.ID, int64]
}

// NewLRU creates an empty LRU policy.
func NewLRU() *LRU {
	order, err := simplelru.NewLRU[oid.ID, int64](maxTracked, nil)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &LRU{order: order}
}

// EntryEligible records that an entry became sealed and unreferenced.
func (p *LRU) EntryEligible(id oid.ID, size int64) {
	p.order.Add(id, size)
}

// EntryIneligible records that an entry was referenced again or removed.
func (p *LRU) EntryIneligible(id oid.ID) {
	p.order.Remove(id)
}

// Tracked returns the number of entries currently considered evictable.
func (p *LRU) Tracked() int {
	return p.order.Len()
}

// SelectVictims returns least recently released entries, oldest first,
// until at least bytesNeeded bytes are covered or the eligible set runs
// out. Only identifiers present in eligible are returned.
func (p *LRU) SelectVictims(eligible map[oid.ID]int64, bytesNeeded int64) []oid.ID {
	var victims []oid.ID
	var covered int64

	// Keys are ordered oldest to newest.
	for _, id := range p.order.Keys() {
		if covered >= bytesNeeded {
			break
		}
		size, ok := eligible[id]
		if !ok {
			continue
		}
		victims = append(victims, id)
		covered += size
	}

	// Eligible entries the policy never observed (sealed before it was
	// attached) are offered last, in map order.
	if covered < bytesNeeded {
		for id, size := range eligible {
			if covered >= bytesNeeded {
				break
			}
			if p.order.Contains(id) {
				continue
			}
			victims = append(victims, id)
			covered += size
		}
	}

	return victims
}
