// Package list is a sorted singly-linked list of unique uint32 keys.
// Removal unlinks a node without reclaiming it — a reader mid-traversal
// just continues through its stale next pointer — until the caller
// defers destruction past an RCU grace period; see package rcu.
package list

import (
	"sync/atomic"

	"github.com/mbver/gorcu/pool"
)

type Node struct {
	Value uint32
	next  atomic.Pointer[Node]
}

type Allocator = pool.Allocator[Node]

// List assumes at most one writer goroutine calls Toggle at a time; a
// second concurrent Toggle panics instead of racing silently.
type List struct {
	head       atomic.Pointer[Node]
	writerLock uint32 // 0 = free, 1 = held
}

func New() *List {
	return &List{}
}

func (l *List) lockWriter() {
	if !atomic.CompareAndSwapUint32(&l.writerLock, 0, 1) {
		panic("list: concurrent writer")
	}
}

func (l *List) unlockWriter() {
	atomic.StoreUint32(&l.writerLock, 0)
}

// Toggle inserts value if absent, or removes and returns it if
// present. slot points at the atomic.Pointer[Node] to be rewritten:
// either l.head or some node's next field.
func (l *List) Toggle(value uint32, alloc Allocator) (removed *Node, inserted bool, err error) {
	l.lockWriter()
	defer l.unlockWriter()

	slot := &l.head
	for {
		cur := slot.Load()
		switch {
		case cur == nil || cur.Value > value:
			n, aerr := alloc.Alloc()
			if aerr != nil {
				return nil, false, aerr
			}
			n.Value = value
			n.next.Store(cur)
			slot.Store(n) // publish
			return nil, true, nil

		case cur.Value == value:
			slot.Store(cur.next.Load())
			return cur, false, nil

		default: // cur.Value < value
			slot = &cur.next
		}
	}
}

func (l *List) Lookup(value uint32) bool {
	return l.LookupNode(value) != nil
}

// LookupNode is like Lookup but returns the matched node itself, for
// stress-harness oracles that need the pointer a reader dereferenced.
func (l *List) LookupNode(value uint32) *Node {
	n := l.head.Load()
	for n != nil {
		switch {
		case n.Value == value:
			return n
		case n.Value > value:
			return nil
		default:
			n = n.next.Load()
		}
	}
	return nil
}

// Values is for tests and diagnostics. It takes no lock and may
// observe a torn snapshot if called concurrently with Toggle.
func (l *List) Values() []uint32 {
	var out []uint32
	for n := l.head.Load(); n != nil; n = n.next.Load() {
		out = append(out, n.Value)
	}
	return out
}
