package entitlement

import (
	"sort"
	"time"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/catalog"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// Set is a set of unlocked feature ids.
type Set map[string]struct{}

// Has reports whether id is unlocked.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s Set) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve projects purchases onto the unlocked feature set: every free
// feature, plus the features of each verified, non-revoked purchase,
// synced or not.
func Resolve(c catalog.Catalog, purchases []domain.Purchase) Set {
	set := make(Set)
	for _, id := range c.FreeFeatures() {
		set[id] = struct{}{}
	}
	for _, p := range purchases {
		if !p.Entitled() {
			continue
		}
		for _, id := range p.UnlockedFeatures {
			set[id] = struct{}{}
		}
	}
	return set
}

// Snapshot is an immutable, versioned entitlement view.
type Snapshot struct {
	Version    uint64    `json:"version"`
	Features   []string  `json:"features"`
	ResolvedAt time.Time `json:"resolvedAt"`
	set        Set
}

// NewSnapshot freezes set under the given version.
func NewSnapshot(version uint64, set Set, at time.Time) Snapshot {
	frozen := make(Set, len(set))
	for id := range set {
		frozen[id] = struct{}{}
	}
	return Snapshot{Version: version, Features: frozen.Sorted(), ResolvedAt: at, set: frozen}
}

// Has reports whether the snapshot unlocks id.
func (s Snapshot) Has(id string) bool {
	return s.set.Has(id)
}
