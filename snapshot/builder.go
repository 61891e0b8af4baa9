package snapshot

import (
	"sort"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
)

// Build merges a base Snapshot with a Delta overlay into a brand new,
// fully materialized Snapshot — the checkpoint engine's Build phase
// (spec §4.10). It never mutates base; the result is an independent value
// safe to hand to the Pager for writing while base is still being read.
func Build(base *Snapshot, d *delta.Delta, vectorManifests map[graph.PropKeyID][]byte, nextGen uint64) (*Snapshot, error) {
	strTable := NewStringTableBuilder()

	type liveNode struct {
		id     graph.NodeID
		key    string
		labels []graph.LabelID
		props  map[graph.PropKeyID]graph.Value
	}

	live := make(map[graph.NodeID]*liveNode)

	for pos := 0; pos < base.NumNodes(); pos++ {
		id := base.NodeIDAt(pos)
		if d.IsDeleted(id) {
			continue
		}
		live[id] = &liveNode{
			id:     id,
			key:    base.NodeKey(pos),
			labels: append([]graph.LabelID(nil), base.NodeLabels(pos)...),
			props:  base.AllNodeProps(id),
		}
	}
	d.ScanCreatedNodes(func(id graph.NodeID, n *delta.CreatedNode) bool {
		if d.IsDeleted(id) {
			return true
		}
		props := make(map[graph.PropKeyID]graph.Value, len(n.Props))
		for k, v := range n.Props {
			props[k] = v
		}
		live[id] = &liveNode{id: id, key: n.Key, labels: n.Labels, props: props}
		return true
	})

	// Apply delta property edits on top of carried-over base nodes.
	for id, ln := range live {
		edits := d.NodePropEdits(id)
		for pk, edit := range edits {
			if edit.Deleted {
				delete(ln.props, pk)
			} else {
				ln.props[pk] = edit.Value
			}
		}
	}

	// Deterministic ordering: ascending NodeID, matching the teacher's
	// convention of stable iteration order for on-disk structures.
	ids := make([]graph.NodeID, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	physToNodeID := make([]graph.NodeID, len(ids))
	nodeIDToPhys := make(map[graph.NodeID]int, len(ids))
	nodeKeyStr := make([]uint32, len(ids))
	for i, id := range ids {
		physToNodeID[i] = id
		nodeIDToPhys[id] = i
		if key := live[id].key; key != "" {
			nodeKeyStr[i] = strTable.Intern(key)
		}
	}

	labelOffsets := make([]uint32, len(ids)+1)
	var nodeLabelIDs []graph.LabelID
	for i, id := range ids {
		labelOffsets[i] = uint32(len(nodeLabelIDs))
		nodeLabelIDs = append(nodeLabelIDs, live[id].labels...)
	}
	labelOffsets[len(ids)] = uint32(len(nodeLabelIDs))

	props := NewPropStoreBuilder()
	for i, id := range ids {
		for pk, v := range live[id].props {
			if v.Kind != graph.KindVector {
				props.SetNode(uint64(i), pk, v)
			}
		}
	}

	outOffsets := make([]uint32, len(ids)+1)
	inOffsets := make([]uint32, len(ids)+1)
	var outEdges, inEdges []edgeRef
	outByNode := make(map[graph.NodeID][]edgeRef, len(ids))
	inByNode := make(map[graph.NodeID][]edgeRef, len(ids))

	isLive := func(id graph.NodeID) bool { _, ok := live[id]; return ok }

	for _, id := range ids {
		var out []edgeRef
		if pos, ok := base.Phys(id); ok {
			delOut := toEdgeSet(d.OutDeleted(id))
			for _, e := range base.OutEdges(id) {
				_ = pos
				if delOut[e] {
					continue
				}
				if !isLive(e.Other) {
					continue
				}
				out = append(out, e)
			}
		}
		for _, ep := range d.OutAdded(id) {
			e := edgeRef{Etype: ep.Etype, Other: ep.Other}
			if isLive(e.Other) {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return edgeLess(out[i], out[j]) })
		outByNode[id] = out
	}

	for _, id := range ids {
		var in []edgeRef
		if _, ok := base.Phys(id); ok {
			delIn := toEdgeSet(d.InDeleted(id))
			for _, e := range base.InEdges(id) {
				if delIn[e] {
					continue
				}
				if !isLive(e.Other) {
					continue
				}
				in = append(in, e)
			}
		}
		for _, ep := range d.InAdded(id) {
			e := edgeRef{Etype: ep.Etype, Other: ep.Other}
			if isLive(e.Other) {
				in = append(in, e)
			}
		}
		sort.Slice(in, func(i, j int) bool { return edgeLess(in[i], in[j]) })
		inByNode[id] = in
	}

	for i, id := range ids {
		outOffsets[i] = uint32(len(outEdges))
		outEdges = append(outEdges, outByNode[id]...)
		for epIdx, e := range outByNode[id] {
			edits := d.EdgePropEdits(graph.Edge{Src: id, Etype: e.Etype, Dst: e.Other})
			for pk, edit := range edits {
				if !edit.Deleted {
					props.SetEdge(uint64(outOffsets[i])+uint64(epIdx), pk, edit.Value)
				}
			}
		}
	}
	outOffsets[len(ids)] = uint32(len(outEdges))

	for i, id := range ids {
		inOffsets[i] = uint32(len(inEdges))
		inEdges = append(inEdges, inByNode[id]...)
	}
	inOffsets[len(ids)] = uint32(len(inEdges))

	// Schema: carry base names forward, then append delta's newly defined
	// ones at their assigned dense ids.
	labelIDs := mergeSchemaArrays(base.labelStringIDs, base.strings, strTable, labelNamesU32(d.Labels()))
	etypeIDs := mergeSchemaArrays(base.etypeStringIDs, base.strings, strTable, etypeNamesU32(d.Etypes()))
	propkeyIDs := mergeSchemaArrays(base.propkeyStringIDs, base.strings, strTable, propkeyNamesU32(d.Propkeys()))

	// Key index: carry forward base keys not deleted/overwritten, then
	// delta's live key overlay.
	keyMap := make(map[string]graph.NodeID)
	for i, id := range ids {
		if k := strTable.String(nodeKeyStr[i]); k != "" {
			keyMap[k] = id
		}
	}
	keys := BuildKeyIndex(keyMap, strTable)

	snap := &Snapshot{
		Gen:              nextGen,
		physToNodeID:     physToNodeID,
		nodeIDToPhys:     nodeIDToPhys,
		nodeKeyStr:       nodeKeyStr,
		labelOffsets:     labelOffsets,
		nodeLabelIDs:     nodeLabelIDs,
		outOffsets:       outOffsets,
		outEdges:         outEdges,
		inOffsets:        inOffsets,
		inEdges:          inEdges,
		strings:          strTable,
		etypeStringIDs:   etypeIDs,
		labelStringIDs:   labelIDs,
		propkeyStringIDs: propkeyIDs,
		keys:             keys,
		prop:             props,
		vectorManifests:  vectorManifests,
	}
	return snap, nil
}

func labelNamesU32(m map[graph.LabelID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}

func etypeNamesU32(m map[graph.EtypeID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}

func propkeyNamesU32(m map[graph.PropKeyID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}

func toEdgeSet(eps []delta.EdgeEndpoint) map[edgeRef]bool {
	m := make(map[edgeRef]bool, len(eps))
	for _, e := range eps {
		m[edgeRef{Etype: e.Etype, Other: e.Other}] = true
	}
	return m
}

// mergeSchemaArrays rebuilds a dense id->stringId array spanning base's
// existing entries plus delta's newly registered ones, re-interning every
// name into the new snapshot's string table.
func mergeSchemaArrays(baseIDs []uint32, baseStrings *StringTable, into *StringTable, newNames map[uint32]string) []uint32 {
	maxID := len(baseIDs) - 1
	for id := range newNames {
		if int(id) > maxID {
			maxID = int(id)
		}
	}
	out := make([]uint32, maxID+1)
	for id := 0; id <= maxID; id++ {
		var name string
		if id < len(baseIDs) {
			name = baseStrings.String(baseIDs[id])
		}
		if n, ok := newNames[uint32(id)]; ok {
			name = n
		}
		out[id] = into.Intern(name)
	}
	return out
}
