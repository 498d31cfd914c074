// Package interval provides a balanced ordered map from half-open address
// ranges to caller-owned payloads. It is the shared index underneath the
// anonymous-mapping tracker and the delayed-free quarantine: both need
// logarithmic point and overlap queries against a set of disjoint ranges
// that is mutated on every allocator event.
//
// A Tree never stores two overlapping ranges. Insert refuses an overlapping
// range by returning the already-present node, and the caller resolves the
// conflict (merge, split, or reject) according to its own policy.
package interval

import (
	"fmt"

	"github.com/google/btree"
	"github.com/heapguard/heapguard/memutils"
	"github.com/pkg/errors"
)

const btreeDegree = 8

// Node is a single tracked range within a Tree. The node is owned by the
// tree that created it; callers hold it only as a query result or as a
// handle to pass back to Delete.
type Node[T any] struct {
	base uintptr
	size uintptr

	// Payload is an opaque caller-managed value attached at Insert time
	Payload T
}

// Base returns the first address of the tracked range.
func (n *Node[T]) Base() uintptr { return n.base }

// Size returns the length of the tracked range in bytes.
func (n *Node[T]) Size() uintptr { return n.size }

// End returns the first address past the tracked range.
func (n *Node[T]) End() uintptr { return n.base + n.size }

// Tree is an ordered index of disjoint [base, base+size) ranges. It is not
// internally synchronized; each consumer wraps it in its own lock.
type Tree[T any] struct {
	tree *btree.BTreeG[*Node[T]]
}

// NewTree creates an empty interval tree.
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{
		tree: btree.NewG[*Node[T]](btreeDegree, func(a, b *Node[T]) bool {
			return a.base < b.base
		}),
	}
}

// Insert adds the range [base, base+size) with the provided payload. If the
// range overlaps a node already in the tree, nothing is inserted and the
// overlapping node is returned; on success Insert returns nil.
func (t *Tree[T]) Insert(base uintptr, size uintptr, payload T) *Node[T] {
	if size == 0 {
		panic(fmt.Sprintf("attempting to insert an empty range at %#x", base))
	}

	existing := t.FindOverlapping(base, size)
	if existing != nil {
		return existing
	}

	t.tree.ReplaceOrInsert(&Node[T]{base: base, size: size, Payload: payload})
	return nil
}

// Delete removes a node previously returned from Insert or one of the query
// methods. The node must still be live within this tree.
func (t *Tree[T]) Delete(node *Node[T]) {
	removed, ok := t.tree.Delete(node)
	if !ok || removed != node {
		panic(fmt.Sprintf("attempting to delete an interval node %#x-%#x that is not live in this tree",
			node.Base(), node.End()))
	}
}

// Find returns the node whose range begins at exactly addr, or nil.
func (t *Tree[T]) Find(addr uintptr) *Node[T] {
	node, ok := t.tree.Get(&Node[T]{base: addr})
	if !ok {
		return nil
	}
	return node
}

// FindContaining returns the node whose range contains addr, or nil.
func (t *Tree[T]) FindContaining(addr uintptr) *Node[T] {
	return t.FindOverlapping(addr, 1)
}

// FindOverlapping returns a node overlapping [base, base+size), or nil if
// none exists. Because the tree holds disjoint ranges, callers enumerate
// every overlap by alternating FindOverlapping with Delete.
func (t *Tree[T]) FindOverlapping(base uintptr, size uintptr) *Node[T] {
	var found *Node[T]
	// The candidate is the live node with the greatest base below base+size;
	// with disjoint ranges no earlier node can reach further right than it.
	t.tree.DescendLessOrEqual(&Node[T]{base: base + size - 1}, func(node *Node[T]) bool {
		if memutils.RangesOverlap(node.base, node.size, base, size) {
			found = node
		}
		return false
	})
	return found
}

// Len returns the number of live nodes.
func (t *Tree[T]) Len() int {
	return t.tree.Len()
}

// Clear removes every node from the tree.
func (t *Tree[T]) Clear() {
	t.tree.Clear(false)
}

// VisitAll calls visit once per live node in ascending base order, stopping
// early if visit returns false. The visit callback must not mutate the tree.
func (t *Tree[T]) VisitAll(visit func(node *Node[T]) bool) {
	t.tree.Ascend(func(node *Node[T]) bool {
		return visit(node)
	})
}

// Validate performs internal consistency checks: every node must be
// non-empty and the node set must be disjoint and ordered. When the tree is
// functioning correctly it should not be possible for this method to return
// an error.
func (t *Tree[T]) Validate() error {
	var err error
	var prev *Node[T]
	t.tree.Ascend(func(node *Node[T]) bool {
		if node.size == 0 {
			err = errors.Errorf("empty range at %#x is live in the tree", node.base)
			return false
		}
		if prev != nil && prev.End() > node.base {
			err = errors.Errorf("ranges %#x-%#x and %#x-%#x overlap",
				prev.base, prev.End(), node.base, node.End())
			return false
		}
		prev = node
		return true
	})
	return err
}
