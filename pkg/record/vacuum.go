package record

import "github.com/kinesis-db/kinesis/pkg/page"

// Vacuum physically reclaims tuple versions that no transaction's
// snapshot can still need: tombstones whose DeleteLSN predates
// minActiveLSN, and superseded update versions whose own CreateLSN
// predates it, that no index entry points at any longer. It walks each
// table's heap page chain rather than the index, since reclaimable
// versions are by definition no longer reachable from it.
//
// A tombstone's staleness is judged by DeleteLSN rather than CreateLSN:
// a record deleted after some transaction's snapshot began may still be
// the version that transaction expects to find, even though its own
// creation long predates that snapshot. A superseded-but-undeleted
// version (the previous value of an updated row) has no comparable
// timestamp of its own supersession recorded in its header, so its
// CreateLSN is used as a conservative approximation.
func (l *Layer) Vacuum(minActiveLSN uint64) (int, error) {
	reclaimed := 0
	for _, tableName := range l.catalog.ListTables() {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			continue
		}
		reachable := make(map[Ref]bool, t.RowCount)
		for _, e := range t.Index.All() {
			reachable[Ref(e.Ref)] = true
		}

		l.mu.Lock()
		pid, ok := l.heapHead[tableName]
		l.mu.Unlock()
		if !ok {
			continue
		}

		for pid != page.InvalidPageID {
			frame, err := l.pool.Fetch(pid)
			if err != nil {
				break
			}
			frame.Lock()
			next := frame.Page.NextPageID()
			dirty := false
			for _, tup := range frame.Page.AllTuples() {
				ref := EncodeRef(pid, tup.Slot)
				if reachable[ref] {
					continue
				}
				h, _ := unpackTuple(tup.Data)
				staleAt := h.CreateLSN
				if h.DeleteLSN != 0 {
					staleAt = h.DeleteLSN
				}
				if staleAt >= minActiveLSN {
					continue
				}
				if err := frame.Page.DeleteTuple(tup.Slot); err == nil {
					dirty = true
					reclaimed++
				}
			}
			if dirty {
				frame.Page.Compact()
			}
			frame.Unlock()
			l.pool.Unpin(pid, dirty)
			pid = next
		}
	}
	return reclaimed, nil
}
