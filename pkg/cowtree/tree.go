package cowtree

import (
	"bytes"
	"sort"
)

// Store is the page-management surface the engine needs from whatever holds
// the pages: pstkit's block store (for NBT/BBT pages proper) in production,
// an in-memory map in tests.
type Store struct {
	Get func(ptr uint64) []byte  // dereference a page pointer
	New func(page []byte) uint64 // allocate and return a pointer for a page
	Del func(ptr uint64)         // release a page pointer
}

// Tree is a copy-on-write B+ tree over fixed-width keys and values, rooted
// at a single page pointer. NBT and BBT are each one Tree, parameterized by
// the width of the node-id/block-id key and the descriptor value they
// store; a subnode tree's pages are block-backed rather than AMap-backed
// but use the same fixed layout.
type Tree struct {
	root     uint64
	store    Store
	keyWidth int
	valWidth int
}

// New constructs a tree over the given page store, starting at root (0 for
// an empty tree). keyWidth/valWidth fix the slot layout for every page this
// tree ever builds or reads.
func New(store Store, root uint64, keyWidth, valWidth int) *Tree {
	return &Tree{root: root, store: store, keyWidth: keyWidth, valWidth: valWidth}
}

// Root returns the current root page pointer (persisted in the header/commit
// record that owns this tree).
func (t *Tree) Root() uint64 { return t.root }

// SetRoot forces the root pointer to root.
func (t *Tree) SetRoot(root uint64) { t.root = root }

func (t *Tree) newScratch(ptype uint16, nkeys uint16) Page {
	return make(Page, header+int(nkeys)*t.stride(ptype))
}

// lookupLE returns the index of the rightmost key <= the search key, found
// by binary search since every slot sits at a known fixed offset. Index 0
// always qualifies: on internal pages it is a copy-down of the parent's
// covering key and is defined to be <= every key in its subtree.
func (t *Tree) lookupLE(p Page, key []byte) uint16 {
	nkeys := p.nkeys()
	i := sort.Search(int(nkeys), func(i int) bool {
		return bytes.Compare(t.getKey(p, uint16(i)), key) > 0
	})
	if i == 0 {
		return 0
	}
	return uint16(i - 1)
}

// Get looks up a key, returning (value, true) or (nil, false).
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.root == 0 {
		return nil, false
	}
	return t.get(Page(t.store.Get(t.root)), key)
}

func (t *Tree) get(node Page, key []byte) ([]byte, bool) {
	idx := t.lookupLE(node, key)
	switch node.ptype() {
	case PageLeaf:
		if bytes.Equal(key, t.getKey(node, idx)) {
			return append([]byte(nil), t.getVal(node, idx)...), true
		}
		return nil, false
	case PageInternal:
		child := Page(t.store.Get(t.getPtr(node, idx)))
		return t.get(child, key)
	default:
		panic("cowtree: bad page type")
	}
}

// Insert inserts or updates a key/value pair.
func (t *Tree) Insert(key []byte, val []byte) {
	if t.root == 0 {
		root := t.newScratch(PageLeaf, 2)
		root.setHeader(PageLeaf, 2)
		t.setEntry(root, 0, make([]byte, t.keyWidth), nil, 0) // sentinel: lowest possible key
		t.setEntry(root, 1, key, val, 0)
		t.root = t.store.New(root)
		return
	}

	node := t.insert(Page(t.store.Get(t.root)), key, val)
	t.store.Del(t.root)

	left, right, split := t.splitIfOversized(node)
	if split {
		root := t.newScratch(PageInternal, 2)
		root.setHeader(PageInternal, 2)
		t.setEntry(root, 0, t.getKey(left, 0), nil, t.store.New(left))
		t.setEntry(root, 1, t.getKey(right, 0), nil, t.store.New(right))
		t.root = t.store.New(root)
	} else {
		t.root = t.store.New(left)
	}
}

func (t *Tree) insert(node Page, key []byte, val []byte) Page {
	idx := t.lookupLE(node, key)
	switch node.ptype() {
	case PageLeaf:
		if bytes.Equal(key, t.getKey(node, idx)) {
			return t.leafReplace(node, idx, key, val)
		}
		return t.leafInsertAt(node, idx+1, key, val)
	case PageInternal:
		return t.nodeInsert(node, idx, key, val)
	default:
		panic("cowtree: bad page type")
	}
}

func (t *Tree) leafReplace(src Page, idx uint16, key []byte, val []byte) Page {
	dst := t.newScratch(PageLeaf, src.nkeys())
	dst.setHeader(PageLeaf, src.nkeys())
	t.appendRange(dst, src, 0, 0, idx)
	t.setEntry(dst, idx, key, val, 0)
	t.appendRange(dst, src, idx+1, idx+1, src.nkeys()-(idx+1))
	return dst
}

func (t *Tree) leafInsertAt(src Page, idx uint16, key []byte, val []byte) Page {
	dst := t.newScratch(PageLeaf, src.nkeys()+1)
	dst.setHeader(PageLeaf, src.nkeys()+1)
	t.appendRange(dst, src, 0, 0, idx)
	t.setEntry(dst, idx, key, val, 0)
	t.appendRange(dst, src, idx+1, idx, src.nkeys()-idx)
	return dst
}

func (t *Tree) nodeInsert(src Page, idx uint16, key []byte, val []byte) Page {
	kptr := t.getPtr(src, idx)
	kid := t.insert(Page(t.store.Get(kptr)), key, val)
	t.store.Del(kptr)

	left, right, split := t.splitIfOversized(kid)
	if split {
		return t.replaceChild2(src, idx, left, right)
	}
	return t.replaceChild1(src, idx, left)
}

func (t *Tree) replaceChild1(src Page, idx uint16, kid Page) Page {
	dst := t.newScratch(PageInternal, src.nkeys())
	dst.setHeader(PageInternal, src.nkeys())
	t.appendRange(dst, src, 0, 0, idx)
	t.setEntry(dst, idx, t.getKey(kid, 0), nil, t.store.New(kid))
	t.appendRange(dst, src, idx+1, idx+1, src.nkeys()-(idx+1))
	return dst
}

func (t *Tree) replaceChild2(src Page, idx uint16, left, right Page) Page {
	dst := t.newScratch(PageInternal, src.nkeys()+1)
	dst.setHeader(PageInternal, src.nkeys()+1)
	t.appendRange(dst, src, 0, 0, idx)
	t.setEntry(dst, idx, t.getKey(left, 0), nil, t.store.New(left))
	t.setEntry(dst, idx+1, t.getKey(right, 0), nil, t.store.New(right))
	t.appendRange(dst, src, idx+2, idx+1, src.nkeys()-(idx+1))
	return dst
}

// splitIfOversized splits a page that has grown past its fixed-slot capacity
// into two roughly even halves. Since keys and values here are all
// fixed-width, a single insert or child replacement can only ever push a
// page one slot past capacity -- unlike a variable-length layout, two pages
// always suffice; there is no pathological case that needs a third.
func (t *Tree) splitIfOversized(node Page) (left Page, right Page, split bool) {
	max := t.maxSlots(node.ptype())
	if node.nkeys() <= max {
		return node, nil, false
	}

	nkeys := node.nkeys()
	nleft := nkeys - nkeys/2
	l := t.newScratch(node.ptype(), nleft)
	l.setHeader(node.ptype(), nleft)
	t.appendRange(l, node, 0, 0, nleft)

	r := t.newScratch(node.ptype(), nkeys-nleft)
	r.setHeader(node.ptype(), nkeys-nleft)
	t.appendRange(r, node, 0, nleft, nkeys-nleft)
	return l, r, true
}

// Delete removes a key, returning whether it was present.
func (t *Tree) Delete(key []byte) bool {
	if t.root == 0 {
		return false
	}

	updated, ok := t.delete(Page(t.store.Get(t.root)), key)
	if !ok {
		return false
	}
	t.store.Del(t.root)

	if updated.ptype() == PageInternal && updated.nkeys() == 1 {
		t.root = t.getPtr(updated, 0) // drop a level
	} else {
		t.root = t.store.New(updated)
	}
	return true
}

func (t *Tree) delete(node Page, key []byte) (Page, bool) {
	idx := t.lookupLE(node, key)
	switch node.ptype() {
	case PageLeaf:
		if !bytes.Equal(key, t.getKey(node, idx)) {
			return nil, false
		}
		dst := t.newScratch(PageLeaf, node.nkeys()-1)
		dst.setHeader(PageLeaf, node.nkeys()-1)
		t.appendRange(dst, node, 0, 0, idx)
		t.appendRange(dst, node, idx, idx+1, node.nkeys()-(idx+1))
		return dst, true
	case PageInternal:
		return t.nodeDelete(node, idx, key)
	default:
		panic("cowtree: bad page type")
	}
}

// nodeDelete deletes key from the child at idx and, if that child
// underflows, borrows a slot from whichever sibling has surplus before
// falling back to a merge. Preferring borrow over merge avoids thrashing a
// pair of pages back and forth across a single delete/insert cycle near a
// page boundary.
func (t *Tree) nodeDelete(node Page, idx uint16, key []byte) (Page, bool) {
	kptr := t.getPtr(node, idx)
	updated, ok := t.delete(Page(t.store.Get(kptr)), key)
	if !ok {
		return nil, false
	}
	t.store.Del(kptr)

	minFill := t.maxSlots(updated.ptype()) / 4
	if minFill < 1 {
		minFill = 1
	}

	if updated.nkeys() >= minFill || node.nkeys() == 1 {
		return t.replaceChild1(node, idx, updated), true
	}

	if idx > 0 {
		left := Page(t.store.Get(t.getPtr(node, idx-1)))
		if left.nkeys() > minFill {
			return t.borrowFromLeft(node, idx, left, updated), true
		}
	}
	if idx+1 < node.nkeys() {
		right := Page(t.store.Get(t.getPtr(node, idx+1)))
		if right.nkeys() > minFill {
			return t.borrowFromRight(node, idx, updated, right), true
		}
	}

	if idx > 0 {
		leftPtr := t.getPtr(node, idx-1)
		left := Page(t.store.Get(leftPtr))
		t.store.Del(leftPtr)
		return t.replaceMerged(node, idx-1, t.mergePages(left, updated)), true
	}
	rightPtr := t.getPtr(node, idx+1)
	right := Page(t.store.Get(rightPtr))
	t.store.Del(rightPtr)
	return t.replaceMerged(node, idx, t.mergePages(updated, right)), true
}

// borrowFromLeft moves left's last slot to become right's first slot,
// updating both sibling pointers and right's covering key in the parent.
func (t *Tree) borrowFromLeft(node Page, idx uint16, left, right Page) Page {
	ln := left.nkeys()
	newLeft := t.newScratch(left.ptype(), ln-1)
	newLeft.setHeader(left.ptype(), ln-1)
	t.appendRange(newLeft, left, 0, 0, ln-1)

	newRight := t.newScratch(right.ptype(), right.nkeys()+1)
	newRight.setHeader(right.ptype(), right.nkeys()+1)
	t.appendRange(newRight, left, 0, ln-1, 1)
	t.appendRange(newRight, right, 1, 0, right.nkeys())

	leftPtr := t.store.New(newLeft)
	rightPtr := t.store.New(newRight)

	out := t.newScratch(PageInternal, node.nkeys())
	out.setHeader(PageInternal, node.nkeys())
	t.appendRange(out, node, 0, 0, node.nkeys())
	t.setEntry(out, idx-1, t.getKey(newLeft, 0), nil, leftPtr)
	t.setEntry(out, idx, t.getKey(newRight, 0), nil, rightPtr)
	return out
}

// borrowFromRight is the mirror of borrowFromLeft: right's first slot moves
// to become left's last slot.
func (t *Tree) borrowFromRight(node Page, idx uint16, left, right Page) Page {
	rn := right.nkeys()
	newLeft := t.newScratch(left.ptype(), left.nkeys()+1)
	newLeft.setHeader(left.ptype(), left.nkeys()+1)
	t.appendRange(newLeft, left, 0, 0, left.nkeys())
	t.appendRange(newLeft, right, left.nkeys(), 0, 1)

	newRight := t.newScratch(right.ptype(), rn-1)
	newRight.setHeader(right.ptype(), rn-1)
	t.appendRange(newRight, right, 0, 1, rn-1)

	leftPtr := t.store.New(newLeft)
	rightPtr := t.store.New(newRight)

	out := t.newScratch(PageInternal, node.nkeys())
	out.setHeader(PageInternal, node.nkeys())
	t.appendRange(out, node, 0, 0, node.nkeys())
	t.setEntry(out, idx, t.getKey(newLeft, 0), nil, leftPtr)
	t.setEntry(out, idx+1, t.getKey(newRight, 0), nil, rightPtr)
	return out
}

func (t *Tree) mergePages(left, right Page) Page {
	dst := t.newScratch(left.ptype(), left.nkeys()+right.nkeys())
	dst.setHeader(left.ptype(), left.nkeys()+right.nkeys())
	t.appendRange(dst, left, 0, 0, left.nkeys())
	t.appendRange(dst, right, left.nkeys(), 0, right.nkeys())
	return dst
}

func (t *Tree) replaceMerged(node Page, idx uint16, merged Page) Page {
	dst := t.newScratch(PageInternal, node.nkeys()-1)
	dst.setHeader(PageInternal, node.nkeys()-1)
	t.appendRange(dst, node, 0, 0, idx)
	t.setEntry(dst, idx, t.getKey(merged, 0), nil, t.store.New(merged))
	t.appendRange(dst, node, idx+1, idx+2, node.nkeys()-(idx+2))
	return dst
}

// Scan calls fn for every key >= start in ascending order until fn returns
// false.
func (t *Tree) Scan(start []byte, fn func(key, val []byte) bool) {
	iter := t.NewIterator()
	if !iter.SeekLE(start) {
		return
	}
	if bytes.Compare(iter.Key(), start) < 0 {
		if !iter.Next() {
			return
		}
	}
	for iter.Valid() {
		if !fn(iter.Key(), iter.Val()) {
			return
		}
		if !iter.Next() {
			return
		}
	}
}
