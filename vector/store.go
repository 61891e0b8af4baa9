package vector

import (
	"fmt"
	"sort"

	"github.com/maskdotdev/kitedb/graph"
)

type location struct {
	fragmentID uint32
	pos        uint32
}

// Store is the per-PropKey vector overlay: at most one active fragment,
// any number of sealed fragments, and a nodeId -> location index. It
// satisfies delta.VectorOverlay without importing the delta package.
type Store struct {
	Manifest  Manifest
	fragments map[uint32]*Fragment
	order     []uint32 // fragment ids in creation order
	active    uint32
	nextID    uint32
	locations map[graph.NodeID]location

	minDeletionRatio float64 // compaction trigger, default 0.2
}

// NewStore creates an empty vector store for one PropKey.
func NewStore(m Manifest) *Store {
	s := &Store{
		Manifest:         m,
		fragments:        make(map[uint32]*Fragment),
		locations:        make(map[graph.NodeID]location),
		minDeletionRatio: 0.2,
	}
	s.openNewActive()
	return s
}

func (s *Store) openNewActive() {
	f := newFragment(s.nextID, s.Manifest)
	s.fragments[f.ID] = f
	s.order = append(s.order, f.ID)
	s.active = f.ID
	s.nextID++
}

// Insert validates and (if cosine) normalizes v, then appends it to the
// active fragment, sealing and rotating when the target size is reached.
func (s *Store) Insert(id graph.NodeID, v []float32) error {
	if err := validateVector(s.Manifest, v); err != nil {
		return err
	}
	if s.Manifest.Normalize {
		v = normalizeVector(v)
	}
	if _, exists := s.locations[id]; exists {
		s.Delete(id)
	}
	active := s.fragments[s.active]
	pos, err := active.insert(v)
	if err != nil {
		return err
	}
	s.locations[id] = location{fragmentID: active.ID, pos: pos}
	if active.TotalVectors >= s.Manifest.FragmentTargetSize {
		active.seal()
		s.openNewActive()
	}
	return nil
}

// Delete marks nodeId's vector tombstoned. A miss is a silent no-op,
// matching delVector's cascade-on-node-delete usage.
func (s *Store) Delete(id graph.NodeID) {
	loc, ok := s.locations[id]
	if !ok {
		return
	}
	f, ok := s.fragments[loc.fragmentID]
	if !ok {
		return
	}
	f.delete(loc.pos)
	delete(s.locations, id)
}

// Get returns a copy of nodeId's stored vector, or false if absent/deleted.
func (s *Store) Get(id graph.NodeID) ([]float32, bool) {
	loc, ok := s.locations[id]
	if !ok {
		return nil, false
	}
	f, ok := s.fragments[loc.fragmentID]
	if !ok {
		return nil, false
	}
	return f.get(loc.pos)
}

// Has reports whether nodeId currently has a live vector.
func (s *Store) Has(id graph.NodeID) bool {
	_, ok := s.locations[id]
	return ok
}

// Count returns the number of live vectors.
func (s *Store) Count() int { return len(s.locations) }

// Iterate yields (nodeId, vector) for every live vector in deterministic
// (fragment-creation, position) order.
func (s *Store) Iterate(fn func(id graph.NodeID, v []float32) bool) {
	reverse := s.reverseIndex()
	for _, fid := range s.order {
		f := s.fragments[fid]
		stop := false
		f.liveEntries(func(pos uint32, v []float32) bool {
			id, ok := reverse[location{fragmentID: fid, pos: pos}]
			if !ok {
				return true
			}
			cp := make([]float32, len(v))
			copy(cp, v)
			if !fn(id, cp) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// reverseIndex inverts the nodeId -> location map, used by Iterate and
// Compact which both need to recover a vector's owning node from its
// fragment position.
func (s *Store) reverseIndex() map[location]graph.NodeID {
	reverse := make(map[location]graph.NodeID, len(s.locations))
	for id, loc := range s.locations {
		reverse[loc] = id
	}
	return reverse
}

// Compact rewrites sealed fragments whose deletion ratio exceeds the
// configured minimum into a single fresh sealed fragment, dropping the
// sources. The active fragment is never a compaction candidate.
func (s *Store) Compact() (compacted int, err error) {
	var candidates []uint32
	for _, fid := range s.order {
		f := s.fragments[fid]
		if f.State == FragmentSealed && f.deletionRatio() >= s.minDeletionRatio {
			candidates = append(candidates, fid)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	type liveVec struct {
		id graph.NodeID
		v  []float32
	}
	var live []liveVec
	reverse := s.reverseIndex()
	candidateSet := make(map[uint32]bool, len(candidates))
	for _, fid := range candidates {
		candidateSet[fid] = true
		f := s.fragments[fid]
		f.liveEntries(func(pos uint32, v []float32) bool {
			id, ok := reverse[location{fragmentID: fid, pos: pos}]
			if ok {
				cp := make([]float32, len(v))
				copy(cp, v)
				live = append(live, liveVec{id: id, v: cp})
			}
			return true
		})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })

	dst := newFragment(s.nextID, s.Manifest)
	s.nextID++
	for _, lv := range live {
		pos, ierr := dst.insert(lv.v)
		if ierr != nil {
			return 0, fmt.Errorf("vector: compaction insert: %w", ierr)
		}
		s.locations[lv.id] = location{fragmentID: dst.ID, pos: pos}
	}
	dst.seal()
	s.fragments[dst.ID] = dst

	newOrder := make([]uint32, 0, len(s.order)-len(candidates)+1)
	for _, fid := range s.order {
		if candidateSet[fid] {
			delete(s.fragments, fid)
			continue
		}
		newOrder = append(newOrder, fid)
	}
	newOrder = append(newOrder, dst.ID)
	s.order = newOrder
	return len(candidates), nil
}

// Stats reports aggregate sizing for stats().
type Stats struct {
	Fragments    int
	TotalVectors uint32
	DeletedCount uint32
	LiveVectors  int
}

func (s *Store) Stats() Stats {
	st := Stats{LiveVectors: len(s.locations)}
	for _, fid := range s.order {
		f := s.fragments[fid]
		st.Fragments++
		st.TotalVectors += f.TotalVectors
		st.DeletedCount += f.DeletedCount
	}
	return st
}
