package cowtree

// Iterator walks a Tree in ascending key order.
type Iterator struct {
	tree *Tree
	path []Page
	pos  []uint16
}

// NewIterator creates an iterator positioned before the first key.
func (t *Tree) NewIterator() *Iterator {
	return &Iterator{
		tree: t,
		path: make([]Page, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the rightmost key <= key. Returns false
// if the tree is empty.
func (it *Iterator) SeekLE(key []byte) bool {
	it.path = it.path[:0]
	it.pos = it.pos[:0]

	if it.tree.root == 0 {
		return false
	}

	node := Page(it.tree.store.Get(it.tree.root))
	for {
		it.path = append(it.path, node)
		idx := it.tree.lookupLE(node, key)
		it.pos = append(it.pos, idx)

		if node.ptype() == PageLeaf {
			break
		}
		node = Page(it.tree.store.Get(it.tree.getPtr(node, idx)))
	}
	return true
}

// Valid reports whether the iterator is positioned at an existing key.
func (it *Iterator) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return pos < leaf.nkeys()
}

// Key returns the current key; nil if Valid() is false.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	return it.tree.getKey(leaf, it.pos[len(it.pos)-1])
}

// Val returns the current value; nil if Valid() is false.
func (it *Iterator) Val() []byte {
	if !it.Valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	return it.tree.getVal(leaf, it.pos[len(it.pos)-1])
}

// Next advances to the next key in order, returning false once exhausted.
func (it *Iterator) Next() bool {
	if len(it.path) == 0 {
		return false
	}

	leafIdx := len(it.pos) - 1
	it.pos[leafIdx]++
	if it.pos[leafIdx] < it.path[leafIdx].nkeys() {
		return true
	}

	it.path = it.path[:leafIdx]
	it.pos = it.pos[:leafIdx]

	for len(it.pos) > 0 {
		parentIdx := len(it.pos) - 1
		it.pos[parentIdx]++
		parent := it.path[parentIdx]
		if it.pos[parentIdx] < parent.nkeys() {
			return it.descendLeftmost()
		}
		it.path = it.path[:parentIdx]
		it.pos = it.pos[:parentIdx]
	}
	return false
}

func (it *Iterator) descendLeftmost() bool {
	for {
		parentIdx := len(it.path) - 1
		parent := it.path[parentIdx]
		pos := it.pos[parentIdx]

		child := Page(it.tree.store.Get(it.tree.getPtr(parent, pos)))
		it.path = append(it.path, child)

		if child.ptype() == PageLeaf {
			it.pos = append(it.pos, 0)
			return true
		}
		it.pos = append(it.pos, 0)
	}
}
