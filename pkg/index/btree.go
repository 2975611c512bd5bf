package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kinesis-db/kinesis/pkg/types"
)

// BPlusTree is a concurrent B+Tree index mapping a Comparable key to an
// opaque int64 reference (a page/slot address, in this codebase).
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool
	mu        sync.RWMutex
}

func NewTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: false}
}

func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: true}
}

func (b *BPlusTree) Insert(key types.Comparable, dataPtr int64) error {
	return b.insertHelper(key, dataPtr, b.UniqueKey)
}

// Replace force-sets the value for key, used when a record is updated and
// the index must point at the new version without going through Insert's
// duplicate check.
func (b *BPlusTree) Replace(key types.Comparable, dataPtr int64) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		return dataPtr, nil
	})
}

// Upsert runs fn against the current value for key (if any) and stores
// whatever it returns. fn executes while the leaf is locked, so read and
// write are atomic with respect to concurrent tree operations.
func (b *BPlusTree) Upsert(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	return b.upsertHelper(key, fn)
}

func (b *BPlusTree) insertHelper(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		if exists && uniqueKey {
			return 0, &DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
		}
		return dataPtr, nil
	})
}

func (b *BPlusTree) upsertHelper(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree, splitting full nodes preventively so the
// leaf it lands on is guaranteed to have room. curr must already be locked
// by the caller; latch crabbing releases the parent once the child lock is
// held.
func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)
			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, fn)
}

func (b *BPlusTree) Search(key types.Comparable) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

func (b *BPlusTree) Get(key types.Comparable) (int64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return 0, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.DataPtrs[j], true
		}
	}
	return 0, false
}

func (b *BPlusTree) Delete(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Root.Remove(key)
}

// FindLeafLowerBound locates the leaf and index of the first key >= key
// (or the first leaf, index 0, when key is nil), returning the leaf with
// its read lock held. Callers must RUnlock it.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		var i int
		if key == nil {
			i = 0
		} else {
			i = sort.Search(curr.N, func(i int) bool {
				return curr.Keys[i].Compare(key) >= 0
			})
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if key == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
	}
	return curr, idx
}

// All walks every leaf in key order and returns every (key, value) pair.
// Used by table scans (List/Search), which are expected to run under a
// lock that already guarantees isolation, so no latch crabbing is needed
// here beyond what FindLeafLowerBound provides for the first leaf.
func (b *BPlusTree) All() []Entry {
	var out []Entry
	leaf, idx := b.FindLeafLowerBound(nil)
	for leaf != nil {
		for j := idx; j < leaf.N; j++ {
			out = append(out, Entry{Key: leaf.Keys[j], Ref: leaf.DataPtrs[j]})
		}
		next := leaf.Next
		leaf.RUnlock()
		leaf = next
		idx = 0
	}
	return out
}

type Entry struct {
	Key types.Comparable
	Ref int64
}
