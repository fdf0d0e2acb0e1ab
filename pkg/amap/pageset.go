package amap

import "github.com/google/btree"

// orderedPageSet deduplicates and orders the page numbers Rebuild walks off
// the BBT/NBT, so the same page contributed by multiple live extents (a
// block's own page and the page holding its data-tree parent, say) is only
// ever marked allocated once, and is walked in ascending order.
type orderedPageSet struct {
	t *btree.BTreeG[uint64]
}

func newOrderedPageSet() *orderedPageSet {
	return &orderedPageSet{t: btree.NewG(32, func(a, b uint64) bool { return a < b })}
}

func (s *orderedPageSet) Add(page uint64) { s.t.ReplaceOrInsert(page) }

func (s *orderedPageSet) Ascend(fn func(page uint64) bool) {
	s.t.Ascend(func(page uint64) bool { return fn(page) })
}
