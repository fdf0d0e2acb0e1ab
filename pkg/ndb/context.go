package ndb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pstkit/pstkit/pkg/block"
	"github.com/pstkit/pstkit/pkg/cowtree"
	"github.com/pstkit/pstkit/pkg/device"
	"github.com/pstkit/pstkit/pkg/perr"
)

// Context is a snapshot of the committed NBT/BBT plus an in-memory overlay
// of pending edits. A root Context (parent == nil) commits straight into
// the Database; a child Context commits into its parent's overlay, giving
// nested commit/rollback without every level touching disk.
type Context struct {
	ID     string
	db     *Database
	parent *Context

	baseSeq uint64 // root contexts only

	// snapshotNBT/snapshotBBT are pinned to the root page pointers the
	// database had when this (root) context was opened. Cowtree pages are
	// immutable once written, so reading through these always reflects this
	// context's snapshot even as db.nbt/db.bbt move on to later commits.
	snapshotNBT *cowtree.Tree
	snapshotBBT *cowtree.Tree

	nbtDirty map[uint32]*NodeDescriptor // nil value = tombstone
	bbtDirty map[uint64]*block.Descriptor

	// baseline snapshots of every key this context has read through to the
	// committed state, used by the root-commit rebase check.
	nbtReadBaseline map[uint32][]byte
	bbtReadBaseline map[uint64][]byte

	released bool
	done     bool
}

func newContextID() string {
	return uuid.NewString()
}

// NewChild opens a nested context whose commit folds into c rather than the
// database.
func (c *Context) NewChild() *Context {
	return &Context{
		ID:              newContextID(),
		db:              c.db,
		parent:          c,
		nbtDirty:        map[uint32]*NodeDescriptor{},
		bbtDirty:        map[uint64]*block.Descriptor{},
		nbtReadBaseline: map[uint32][]byte{},
		bbtReadBaseline: map[uint64][]byte{},
	}
}

// GetNode resolves nid through this context's overlay, then its ancestors,
// then the committed NBT.
func (c *Context) GetNode(nid uint32) (NodeDescriptor, bool, error) {
	if d, ok := c.nbtDirty[nid]; ok {
		if d == nil {
			return NodeDescriptor{}, false, nil
		}
		return *d, true, nil
	}
	if c.parent != nil {
		return c.parent.GetNode(nid)
	}
	raw, ok := c.snapshotNBT.Get(encodeNodeKey(nid))
	if c.nbtReadBaseline != nil {
		if _, seen := c.nbtReadBaseline[nid]; !seen {
			c.nbtReadBaseline[nid] = append([]byte(nil), raw...)
		}
	}
	if !ok {
		return NodeDescriptor{}, false, nil
	}
	return decodeNodeDescriptor(raw), true, nil
}

// PutNode stages nid's descriptor as dirty in this context.
func (c *Context) PutNode(d NodeDescriptor) {
	cp := d
	c.nbtDirty[d.NodeID] = &cp
}

// DeleteNode tombstones nid in this context.
func (c *Context) DeleteNode(nid uint32) {
	c.nbtDirty[nid] = nil
}

// GetBlock resolves bid the same way GetNode resolves a node id.
func (c *Context) GetBlock(bid uint64) (block.Descriptor, bool, error) {
	if d, ok := c.bbtDirty[bid]; ok {
		if d == nil {
			return block.Descriptor{}, false, nil
		}
		return *d, true, nil
	}
	if c.parent != nil {
		return c.parent.GetBlock(bid)
	}
	raw, ok := c.snapshotBBT.Get(encodeBlockKey(bid))
	if c.bbtReadBaseline != nil {
		if _, seen := c.bbtReadBaseline[bid]; !seen {
			c.bbtReadBaseline[bid] = append([]byte(nil), raw...)
		}
	}
	if !ok {
		return block.Descriptor{}, false, nil
	}
	return decodeBlockDescriptor(raw), true, nil
}

// PutBlock stages bid's descriptor as dirty.
func (c *Context) PutBlock(d block.Descriptor) {
	cp := d
	c.bbtDirty[d.ID] = &cp
}

// IncRefBlock bumps a block's ref count by one in the overlay.
func (c *Context) IncRefBlock(bid uint64) error {
	d, ok, err := c.GetBlock(bid)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint64](bid)
	}
	d.RefCount++
	c.PutBlock(d)
	return nil
}

// DecRefBlock drops a block's ref count by one, tombstoning it in the
// overlay once it reaches zero (the actual physical free happens at root
// commit, deferred behind the observer-count check).
func (c *Context) DecRefBlock(bid uint64) error {
	d, ok, err := c.GetBlock(bid)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint64](bid)
	}
	if d.RefCount == 0 {
		return fmt.Errorf("%w: block %d ref count already zero", perr.ErrInvalidArgument, bid)
	}
	d.RefCount--
	if d.RefCount == 0 {
		c.bbtDirty[bid] = nil
	} else {
		c.PutBlock(d)
	}
	return nil
}

// Commit applies this context's overlay. For a child context that is a
// cheap in-memory merge into the parent's overlay (last-writer-wins,
// rebase-free — the parent is itself not yet durable). For a root context
// it runs the rebase check against whatever has committed since this
// context's snapshot, then serializes into the NBT/BBT, frees superseded
// structure pages/blocks (subject to the observer-count gate), and advances
// the database's commit generation.
func (c *Context) Commit() error {
	if c.done {
		return fmt.Errorf("%w: context already committed or aborted", perr.ErrInvalidArgument)
	}
	if c.parent != nil {
		return c.commitToParent()
	}
	return c.commitToRoot()
}

func (c *Context) commitToParent() error {
	for nid, d := range c.nbtDirty {
		c.parent.nbtDirty[nid] = d
	}
	for bid, d := range c.bbtDirty {
		c.parent.bbtDirty[bid] = d
	}
	c.done = true
	return nil
}

func (c *Context) commitToRoot() error {
	start := time.Now()
	db := c.db
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	if err := c.rebaseCheck(); err != nil {
		db.recordCommit(c.ID, false, start)
		return err
	}

	for nid, d := range c.nbtDirty {
		key := encodeNodeKey(nid)
		if d == nil {
			db.nbt.Delete(key)
			continue
		}
		db.nbt.Insert(key, d.encode())
	}

	for bid, d := range c.bbtDirty {
		key := encodeBlockKey(bid)
		if d == nil {
			db.bbt.Delete(key)
			db.queueRelease(pendingBlockID, bid)
			continue
		}
		db.bbt.Insert(key, encodeBlockDescriptor(*d))
	}

	// Durably record the commit before advancing any in-memory bookkeeping:
	// new pages are already written by the Insert/Delete calls above, so
	// flush the AMap's bitmap (the page-allocation metadata covering them),
	// then write and flush the header pointing at the new NBT/BBT roots. A
	// crash between these two flushes leaves the previous commit intact;
	// nothing later ever observes a root this commit wrote without the
	// header also recording it.
	if err := db.amap.Flush(); err != nil {
		db.recordCommit(c.ID, false, start)
		return fmt.Errorf("ndb: flush amap after commit: %w", err)
	}
	db.header.NBTRoot = db.nbt.Root()
	db.header.BBTRoot = db.bbt.Root()
	db.header.NextBlockID = db.blocks.NextBlockID()
	if err := device.WriteHeader(db.dev, db.header, nil); err != nil {
		db.recordCommit(c.ID, false, start)
		return fmt.Errorf("ndb: write header after commit: %w", err)
	}

	db.commitSeq++
	db.openSeqCounts[c.baseSeq]--
	db.drainPending()
	c.done = true
	c.released = true

	db.recordCommit(c.ID, true, start)
	return nil
}

// rebaseCheck compares every key this context read against the database's
// current committed value, failing the commit if anything this context's
// decisions depended on has changed underneath it.
func (c *Context) rebaseCheck() error {
	if c.db.commitSeq == c.baseSeq {
		return nil
	}
	for nid, baseline := range c.nbtReadBaseline {
		current, _ := c.db.nbt.Get(encodeNodeKey(nid))
		if !bytes.Equal(baseline, current) {
			return fmt.Errorf("%w: node %d changed since snapshot", perr.ErrNodeSaveConflict, nid)
		}
	}
	for bid, baseline := range c.bbtReadBaseline {
		current, _ := c.db.bbt.Get(encodeBlockKey(bid))
		if !bytes.Equal(baseline, current) {
			return fmt.Errorf("%w: block %d changed since snapshot", perr.ErrNodeSaveConflict, bid)
		}
	}
	return nil
}

// Abort discards this context's overlay without applying anything.
func (c *Context) Abort() {
	if c.done {
		return
	}
	c.nbtDirty = map[uint32]*NodeDescriptor{}
	c.bbtDirty = map[uint64]*block.Descriptor{}
	c.done = true
	c.Release()
}

// Release ends this context's observation of its snapshot generation,
// letting deferred frees from later commits proceed once every such context
// has released. Safe to call after Commit (a no-op then) and safe to call
// more than once.
func (c *Context) Release() {
	if c.released || c.parent != nil {
		c.released = true
		return
	}
	c.released = true
	c.db.commitMu.Lock()
	defer c.db.commitMu.Unlock()
	c.db.openSeqCounts[c.baseSeq]--
	c.db.drainPending()
}
