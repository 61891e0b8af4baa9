package kitedb

import (
	"sync"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/snapshot"
)

// schemaRegistry tracks label/etype/propkey name<->id mappings across the
// base snapshot and the live delta's newly registered names, and hands out
// fresh ids in registration order for getOrCreateLabel/Etype/PropKey
// (spec §4.8). It is rebuilt from the snapshot's schema arrays whenever a
// checkpoint swaps in a new snapshot (rebase), since the new snapshot
// already carries forward every name the delta had registered.
type schemaRegistry struct {
	mu sync.Mutex

	labelByName   map[string]graph.LabelID
	etypeByName   map[string]graph.EtypeID
	propkeyByName map[string]graph.PropKeyID

	nextLabel   graph.LabelID
	nextEtype   graph.EtypeID
	nextPropKey graph.PropKeyID
}

func newSchemaRegistry(snap *snapshot.Snapshot, d *delta.Delta) *schemaRegistry {
	r := &schemaRegistry{
		labelByName:   make(map[string]graph.LabelID),
		etypeByName:   make(map[string]graph.EtypeID),
		propkeyByName: make(map[string]graph.PropKeyID),
	}
	r.rebase(snap, d)
	return r
}

// rebase reindexes from scratch: every name in snap plus every name the
// live delta has registered since the snapshot was built (names already
// folded into a fresh snapshot are simply seen twice, harmlessly).
func (r *schemaRegistry) rebase(snap *snapshot.Snapshot, d *delta.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.labelByName = make(map[string]graph.LabelID)
	r.etypeByName = make(map[string]graph.EtypeID)
	r.propkeyByName = make(map[string]graph.PropKeyID)
	r.nextLabel, r.nextEtype, r.nextPropKey = 0, 0, 0

	for i := 0; i < snap.NumLabels(); i++ {
		id := graph.LabelID(i)
		r.labelByName[snap.LabelName(id)] = id
		if id >= r.nextLabel {
			r.nextLabel = id + 1
		}
	}
	for i := 0; i < snap.NumEtypes(); i++ {
		id := graph.EtypeID(i)
		r.etypeByName[snap.EtypeName(id)] = id
		if id >= r.nextEtype {
			r.nextEtype = id + 1
		}
	}
	for i := 0; i < snap.NumPropkeys(); i++ {
		id := graph.PropKeyID(i)
		r.propkeyByName[snap.PropkeyName(id)] = id
		if id >= r.nextPropKey {
			r.nextPropKey = id + 1
		}
	}

	for id, name := range d.Labels() {
		if _, ok := r.labelByName[name]; !ok {
			r.labelByName[name] = id
		}
		if id >= r.nextLabel {
			r.nextLabel = id + 1
		}
	}
	for id, name := range d.Etypes() {
		if _, ok := r.etypeByName[name]; !ok {
			r.etypeByName[name] = id
		}
		if id >= r.nextEtype {
			r.nextEtype = id + 1
		}
	}
	for id, name := range d.Propkeys() {
		if _, ok := r.propkeyByName[name]; !ok {
			r.propkeyByName[name] = id
		}
		if id >= r.nextPropKey {
			r.nextPropKey = id + 1
		}
	}
}

// getOrCreateLabel returns name's id, registering it into the given
// transaction's staging delta if it doesn't exist yet. Registration is
// deterministic in first-seen order, per spec §4.8.
func (r *schemaRegistry) getOrCreateLabel(name string, define func(graph.LabelID, string)) graph.LabelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.labelByName[name]; ok {
		return id
	}
	id := r.nextLabel
	r.nextLabel++
	r.labelByName[name] = id
	define(id, name)
	return id
}

func (r *schemaRegistry) getOrCreateEtype(name string, define func(graph.EtypeID, string)) graph.EtypeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.etypeByName[name]; ok {
		return id
	}
	id := r.nextEtype
	r.nextEtype++
	r.etypeByName[name] = id
	define(id, name)
	return id
}

func (r *schemaRegistry) getOrCreatePropkey(name string, define func(graph.PropKeyID, string)) graph.PropKeyID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.propkeyByName[name]; ok {
		return id
	}
	id := r.nextPropKey
	r.nextPropKey++
	r.propkeyByName[name] = id
	define(id, name)
	return id
}

// lookupLabel, lookupEtype, lookupPropkey resolve an existing name without
// registering a new one, used by read paths that must not mutate schema.
func (r *schemaRegistry) lookupLabel(name string) (graph.LabelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.labelByName[name]
	return id, ok
}

func (r *schemaRegistry) lookupEtype(name string) (graph.EtypeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.etypeByName[name]
	return id, ok
}

func (r *schemaRegistry) lookupPropkey(name string) (graph.PropKeyID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.propkeyByName[name]
	return id, ok
}
