package region

import "sort"

// timeline is the ordered observation log for one (plate, road) pair: a
// mapping Timestamp -> Mile, kept as two parallel sorted slices so the
// nearest-neighbor lookups in §4.3.1 are simple binary searches. A plain
// Go map cannot answer "nearest timestamp before/after" in order, which is
// the one thing this structure needs to do beyond exact lookup.
type timeline struct {
	ts   []Timestamp
	mile []Mile
}

// insert records ts -> mile if ts is not already present. It reports
// whether the observation was new, and the nearest neighbor to consult
// per the frozen tie-break: the nearest prior observation if one exists,
// otherwise the nearest later observation.
func (tl *timeline) insert(ts Timestamp, mile Mile) (inserted bool, neighborTs Timestamp, neighborMile Mile, hasNeighbor bool) {
	i := sort.Search(len(tl.ts), func(i int) bool { return tl.ts[i] >= ts })
	if i < len(tl.ts) && tl.ts[i] == ts {
		return false, 0, 0, false // duplicate (plate, road, timestamp): ignored per §3 invariant
	}
	if i > 0 {
		neighborTs, neighborMile, hasNeighbor = tl.ts[i-1], tl.mile[i-1], true
	} else if i < len(tl.ts) {
		neighborTs, neighborMile, hasNeighbor = tl.ts[i], tl.mile[i], true
	}
	tl.ts = append(tl.ts, 0)
	copy(tl.ts[i+1:], tl.ts[i:])
	tl.ts[i] = ts
	tl.mile = append(tl.mile, 0)
	copy(tl.mile[i+1:], tl.mile[i:])
	tl.mile[i] = mile
	return true, neighborTs, neighborMile, hasNeighbor
}
