package storycluster

import (
	"sort"
	"sync"
	"time"

	"horse.fit/geostory/internal/db"
)

// IndexedCluster is the in-memory view of one cluster.
type IndexedCluster struct {
	ID          int64
	Headline    string
	Members     map[int64]struct{}
	LastUpdated time.Time
	Active      bool
}

// index is a local cache of clusters used for bookkeeping. Matching never
// trusts it; lookups go to the store.
type index struct {
	mu       sync.RWMutex
	clusters map[int64]*IndexedCluster
}

func newIndex() *index {
	return &index{clusters: make(map[int64]*IndexedCluster)}
}

func (ix *index) reset(rows []db.ClusterRow) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.clusters = make(map[int64]*IndexedCluster, len(rows))
	for _, row := range rows {
		ix.putLocked(row)
	}
}

func (ix *index) put(row db.ClusterRow) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.putLocked(row)
}

func (ix *index) putLocked(row db.ClusterRow) {
	members := make(map[int64]struct{}, len(row.MemberIDs))
	for _, id := range row.MemberIDs {
		members[id] = struct{}{}
	}
	ix.clusters[row.ClusterID] = &IndexedCluster{
		ID:          row.ClusterID,
		Headline:    row.Headline,
		Members:     members,
		LastUpdated: row.LastUpdatedAt,
		Active:      row.Active,
	}
}

// addMember records a join. Clusters unknown to the index are ignored; the
// next Initialize picks them up.
func (ix *index) addMember(clusterID, articleID int64, seenAt time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.clusters[clusterID]
	if !ok {
		return
	}
	c.Members[articleID] = struct{}{}
	if seenAt.After(c.LastUpdated) {
		c.LastUpdated = seenAt
	}
}

// deactivate marks the given ids and anything last updated before cutoff as
// inactive. Entries stay in the index.
func (ix *index) deactivate(ids []int64, cutoff time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, id := range ids {
		if c, ok := ix.clusters[id]; ok {
			c.Active = false
		}
	}
	for _, c := range ix.clusters {
		if c.Active && c.LastUpdated.Before(cutoff) {
			c.Active = false
		}
	}
}

func (ix *index) activeCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, c := range ix.clusters {
		if c.Active {
			n++
		}
	}
	return n
}

// snapshot returns copies of every indexed cluster ordered by id.
func (ix *index) snapshot() []IndexedCluster {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]IndexedCluster, 0, len(ix.clusters))
	for _, c := range ix.clusters {
		members := make(map[int64]struct{}, len(c.Members))
		for id := range c.Members {
			members[id] = struct{}{}
		}
		cp := *c
		cp.Members = members
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
