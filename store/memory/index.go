package memory

import (
	"container/heap"
	"time"
)

type indexEntry struct {
	expires time.Time
	key     string
}

type indexEntries []*indexEntry

func (ie indexEntries) Len() int {
	return len(ie)
}

func (ie indexEntries) Less(i, j int) bool {
	return ie[i].expires.Before(ie[j].expires)
}

func (ie indexEntries) Swap(i, j int) {
	ie[i], ie[j] = ie[j], ie[i]
}

func (ie *indexEntries) Push(e any) {
	*ie = append(*ie, e.(*indexEntry))
}

func (ie *indexEntries) Pop() any {
	n := len(*ie)
	e := (*ie)[n-1]
	(*ie)[n-1] = nil
	*ie = (*ie)[:n-1]
	return e
}

// expiryIndex orders stored keys by expiry time. Entries are never updated or
// removed in place: re-storing a key pushes another entry, and the caller of
// PopDue discards entries whose expiry no longer matches the stored record.
type expiryIndex struct {
	entries indexEntries
}

func newExpiryIndex() *expiryIndex {
	ei := new(expiryIndex)
	heap.Init(&ei.entries)
	return ei
}

func (ei *expiryIndex) Push(key string, expires time.Time) {
	heap.Push(&ei.entries, &indexEntry{
		expires: expires,
		key:     key,
	})
}

// PopDue removes and returns up to limit entries expiring no later than t, in
// expiry order. A non-positive limit means no limit.
func (ei *expiryIndex) PopDue(t time.Time, limit int) []*indexEntry {
	var due []*indexEntry
	for ei.Len() > 0 && !ei.entries[0].expires.After(t) {
		if limit > 0 && len(due) == limit {
			break
		}
		due = append(due, heap.Pop(&ei.entries).(*indexEntry))
	}
	return due
}

func (ei *expiryIndex) Len() int {
	return ei.entries.Len()
}
