// Package list implements doubly linked lists over a fixed arena of nodes
// addressed by index. A node belongs to at most one list at a time, and the
// lists do no locking of their own.
package list

import "errors"

// None is the null index for next/prev links and empty lists
const None = -1

// Errors returned by list operations
var (
	ErrOutOfRange = errors.New("list: node index out of range")
	ErrInUse      = errors.New("list: node already on a list")
	ErrNotMember  = errors.New("list: node not on this list")
	ErrSoleTail   = errors.New("list: node is the sole tail, not removed")
	ErrCorrupt    = errors.New("list: corrupt links")
)

type links struct {
	next, prev int
	owner      *List
}

// Arena holds the links of every node
type Arena struct {
	nodes []links
}

// NewArena creates an arena of n nodes, all detached
func NewArena(n int) *Arena {
	a := &Arena{nodes: make([]links, n)}
	for i := range a.nodes {
		a.nodes[i] = links{next: None, prev: None}
	}
	return a
}

// Size returns the number of nodes in the arena
func (a *Arena) Size() int {
	return len(a.nodes)
}

// Owner returns the list holding node n, or nil
func (a *Arena) Owner(n int) *List {
	if n < 0 || n >= len(a.nodes) {
		return nil
	}
	return a.nodes[n].owner
}

// List is an ordered sequence of arena nodes, head oldest
type List struct {
	arena *Arena
	head  int
	tail  int
	count int
}

// New creates an empty list over the arena
func (a *Arena) New() *List {
	return &List{arena: a, head: None, tail: None}
}

// Head returns the first node or None
func (l *List) Head() int { return l.head }

// Tail returns the last node or None
func (l *List) Tail() int { return l.tail }

// Len returns the number of nodes on the list
func (l *List) Len() int { return l.count }

// Empty reports whether the list has no nodes
func (l *List) Empty() bool { return l.count == 0 }

// Next returns the successor of n or None
func (l *List) Next(n int) int { return l.arena.nodes[n].next }

// Prev returns the predecessor of n or None
func (l *List) Prev(n int) int { return l.arena.nodes[n].prev }

// Contains reports whether n is on l
func (l *List) Contains(n int) bool {
	return n >= 0 && n < len(l.arena.nodes) && l.arena.nodes[n].owner == l
}

func (l *List) checkFree(n int) error {
	if n < 0 || n >= len(l.arena.nodes) {
		return ErrOutOfRange
	}
	if l.arena.nodes[n].owner != nil {
		return ErrInUse
	}
	return nil
}

// InsertTail appends n
func (l *List) InsertTail(n int) error {
	if err := l.checkFree(n); err != nil {
		return err
	}
	nodes := l.arena.nodes
	nodes[n] = links{next: None, prev: l.tail, owner: l}
	if l.tail == None {
		l.head = n
	} else {
		nodes[l.tail].next = n
	}
	l.tail = n
	l.count++
	return nil
}

// InsertBefore splices n in front of anchor. A None anchor appends.
func (l *List) InsertBefore(anchor, n int) error {
	if anchor == None {
		return l.InsertTail(n)
	}
	if !l.Contains(anchor) {
		return ErrNotMember
	}
	if err := l.checkFree(n); err != nil {
		return err
	}
	nodes := l.arena.nodes
	prev := nodes[anchor].prev
	nodes[n] = links{next: anchor, prev: prev, owner: l}
	nodes[anchor].prev = n
	if prev == None {
		l.head = n
	} else {
		nodes[prev].next = n
	}
	l.count++
	return nil
}

// Remove unlinks n, but refuses to empty the list: when n is the only node
// it is left in place and ErrSoleTail is returned. Use Delete to remove
// unconditionally.
func (l *List) Remove(n int) error {
	if !l.Contains(n) {
		return ErrNotMember
	}
	if l.count == 1 {
		return ErrSoleTail
	}
	l.unlink(n)
	return nil
}

// Delete unlinks n unconditionally
func (l *List) Delete(n int) error {
	if !l.Contains(n) {
		return ErrNotMember
	}
	l.unlink(n)
	return nil
}

func (l *List) unlink(n int) {
	nodes := l.arena.nodes
	next, prev := nodes[n].next, nodes[n].prev
	switch {
	case prev == None && next == None:
		l.head, l.tail = None, None
	case next == None:
		nodes[prev].next = None
		l.tail = prev
	case prev == None:
		nodes[next].prev = None
		l.head = next
	default:
		nodes[prev].next = next
		nodes[next].prev = prev
	}
	nodes[n] = links{next: None, prev: None}
	l.count--
}

// Check verifies the list is acyclic, its ends are terminated and forward
// traversal from head reaches tail in Len steps.
func (l *List) Check() error {
	if l.head == None || l.tail == None {
		if l.head != None || l.tail != None || l.count != 0 {
			return ErrCorrupt
		}
		return nil
	}
	nodes := l.arena.nodes
	if nodes[l.head].prev != None || nodes[l.tail].next != None {
		return ErrCorrupt
	}
	steps := 0
	prev := None
	for n := l.head; n != None; n = nodes[n].next {
		if nodes[n].owner != l || nodes[n].prev != prev {
			return ErrCorrupt
		}
		steps++
		if steps > l.count {
			return ErrCorrupt
		}
		prev = n
	}
	if prev != l.tail || steps != l.count {
		return ErrCorrupt
	}
	return nil
}

// Slice returns the node indices from head to tail
func (l *List) Slice() []int {
	out := make([]int, 0, l.count)
	for n := l.head; n != None; n = l.arena.nodes[n].next {
		out = append(out, n)
	}
	return out
}
