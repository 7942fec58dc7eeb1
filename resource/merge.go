package resource

// reconcile combines a fresh server page with locally-tracked pending
// mutations to produce the list actually shown. It runs on network results
// only, never on cache hits; the cache always holds the un-merged server
// list so a later hit does not entrench a since-superseded optimistic
// record.
//
//  1. start from the server's page
//  2. prepend remembered records from pending.created that the server list
//     does not yet include (read-replica lag, pagination ordering)
//  3. if step 2 grew the page past limit, truncate from the tail, never
//     removing a prepended record
//  4. drop records still echoed by the server but pending deletion
//  5. stable ordering: ids present in the previous local list keep their
//     previous relative order; ids new to the page follow
//
// After the deletion filter the page may legitimately hold fewer than limit
// items; it is not re-padded (the next authoritative read heals it).
func reconcile(prev, server []Record, created, deleted *ttlMap, idField string, limit int) []Record {
	return mergePending(prev, server, created, deleted, idField, limit, true)
}

// overlayPending is the cache-hit variant: the same prepend/mask/ordering,
// but pending markers are left untouched. A cached list proves nothing about
// whether a create has landed or a delete has settled, so only reconcile may
// consume markers.
func overlayPending(prev, server []Record, created, deleted *ttlMap, idField string, limit int) []Record {
	return mergePending(prev, server, created, deleted, idField, limit, false)
}

func mergePending(prev, server []Record, created, deleted *ttlMap, idField string, limit int, consumeMarkers bool) []Record {
	serverIDs := make(map[string]bool, len(server))
	for _, r := range server {
		serverIDs[r.id(idField)] = true
	}

	// A created record the server now returns has landed: the marker's job
	// is done.
	var missing []Record
	for _, id := range created.ids() {
		if serverIDs[id] {
			if consumeMarkers {
				created.delete(id)
			}
			continue
		}
		if rec, ok := created.get(id); ok && rec != nil {
			missing = append(missing, rec)
		}
	}

	merged := make([]Record, 0, len(missing)+len(server))
	merged = append(merged, missing...)
	merged = append(merged, server...)

	if len(missing) > 0 && limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	if len(merged) > 0 {
		filtered := merged[:0:len(merged)]
		for _, r := range merged {
			if !deleted.has(r.id(idField)) {
				filtered = append(filtered, r)
			}
		}
		merged = filtered
	}

	return stableOrder(prev, merged, idField)
}

// stableOrder keeps previously-known ids in their previous relative order
// and appends ids new to this page, avoiding visual reshuffling caused by
// non-deterministic server-side ordering of equally-ranked rows.
func stableOrder(prev, next []Record, idField string) []Record {
	if len(prev) == 0 || len(next) == 0 {
		return next
	}
	prevPos := make(map[string]int, len(prev))
	for i, r := range prev {
		prevPos[r.id(idField)] = i
	}

	known := make([]Record, 0, len(next))
	var fresh []Record
	for _, r := range next {
		if _, ok := prevPos[r.id(idField)]; ok {
			known = append(known, r)
		} else {
			fresh = append(fresh, r)
		}
	}
	// Insertion sort by previous position keeps this stable and cheap for
	// page-sized lists.
	for i := 1; i < len(known); i++ {
		for j := i; j > 0 && prevPos[known[j].id(idField)] < prevPos[known[j-1].id(idField)]; j-- {
			known[j], known[j-1] = known[j-1], known[j]
		}
	}
	return append(known, fresh...)
}
