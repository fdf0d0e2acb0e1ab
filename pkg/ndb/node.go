package ndb

import (
	"github.com/pstkit/pstkit/pkg/block"
	"github.com/pstkit/pstkit/pkg/perr"
)

// Node is the byte-stream view over a node's data block tree, bound to the
// Context it was opened through. Reads/writes stage in memory; SaveNode
// flushes the buffer into one or more blocks and stages the updated
// descriptor into the context.
type Node struct {
	ctx    *Context
	desc   NodeDescriptor
	buf    []byte
	loaded bool
	dirty  bool
}

// OpenNode resolves nid through ctx and returns its byte-stream view.
func OpenNode(ctx *Context, nid uint32) (*Node, error) {
	desc, ok, err := ctx.GetNode(nid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perr.NotFound[uint32](nid)
	}
	return &Node{ctx: ctx, desc: desc}, nil
}

// CreateNode starts a brand-new, empty node bound to parentNid (0 for a
// top-level node).
func CreateNode(ctx *Context, nid uint32, parentNid uint32) *Node {
	return &Node{
		ctx:    ctx,
		desc:   NodeDescriptor{NodeID: nid, ParentNodeID: parentNid},
		buf:    []byte{},
		loaded: true,
		dirty:  true,
	}
}

func (n *Node) ensureLoaded() error {
	if n.loaded {
		return nil
	}
	if n.desc.DataBlockID == 0 {
		n.buf = []byte{}
		n.loaded = true
		return nil
	}
	root, ok, err := n.ctx.GetBlock(n.desc.DataBlockID)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint64](n.desc.DataBlockID)
	}
	data, err := n.ctx.db.blocks.Read(root, n.lookupBlock)
	if err != nil {
		return err
	}
	n.buf = data
	n.loaded = true
	return nil
}

func (n *Node) lookupBlock(bid uint64) (block.Descriptor, error) {
	d, ok, err := n.ctx.GetBlock(bid)
	if err != nil {
		return block.Descriptor{}, err
	}
	if !ok {
		return block.Descriptor{}, perr.NotFound[uint64](bid)
	}
	return d, nil
}

// Size returns the current logical length of the node's byte stream.
func (n *Node) Size() (int64, error) {
	if err := n.ensureLoaded(); err != nil {
		return 0, err
	}
	return int64(len(n.buf)), nil
}

// Read returns length bytes starting at off.
func (n *Node) Read(off, length int64) ([]byte, error) {
	if err := n.ensureLoaded(); err != nil {
		return nil, err
	}
	if off < 0 || off > int64(len(n.buf)) {
		return nil, perr.ErrInvalidArgument
	}
	end := off + length
	if end > int64(len(n.buf)) {
		end = int64(len(n.buf))
	}
	out := make([]byte, end-off)
	copy(out, n.buf[off:end])
	return out, nil
}

// Write copies data into the stream at off, extending it if necessary.
func (n *Node) Write(data []byte, off int64) error {
	if err := n.ensureLoaded(); err != nil {
		return err
	}
	if off < 0 {
		return perr.ErrInvalidArgument
	}
	need := off + int64(len(data))
	if need > int64(len(n.buf)) {
		grown := make([]byte, need)
		copy(grown, n.buf)
		n.buf = grown
	}
	copy(n.buf[off:], data)
	n.dirty = true
	return nil
}

// Resize truncates or zero-extends the stream to exactly size bytes.
func (n *Node) Resize(size int64) error {
	if err := n.ensureLoaded(); err != nil {
		return err
	}
	if size < 0 {
		return perr.ErrInvalidArgument
	}
	grown := make([]byte, size)
	copy(grown, n.buf)
	n.buf = grown
	n.dirty = true
	return nil
}

// SaveNode serializes pending data edits into blocks and stages the node's
// descriptor as dirty in its context.
func (n *Node) SaveNode() error {
	if !n.dirty {
		return nil
	}
	if len(n.buf) == 0 {
		if n.desc.DataBlockID != 0 {
			if err := n.ctx.DecRefBlock(n.desc.DataBlockID); err != nil {
				return err
			}
		}
		n.desc.DataBlockID = 0
	} else {
		old := n.desc.DataBlockID
		root, all, err := n.ctx.db.blocks.WriteExternal(n.buf)
		if err != nil {
			return err
		}
		for _, d := range all {
			n.ctx.PutBlock(d)
		}
		n.desc.DataBlockID = root.ID
		if old != 0 {
			if err := n.ctx.DecRefBlock(old); err != nil {
				return err
			}
		}
	}
	n.ctx.PutNode(n.desc)
	n.dirty = false
	return nil
}

// DeleteNode removes nid from ctx, decrementing its data block's ref count.
func DeleteNode(ctx *Context, nid uint32) error {
	desc, ok, err := ctx.GetNode(nid)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint32](nid)
	}
	if desc.DataBlockID != 0 {
		if err := ctx.DecRefBlock(desc.DataBlockID); err != nil {
			return err
		}
	}
	if desc.SubnodeBlockID != 0 {
		if err := ctx.DecRefBlock(desc.SubnodeBlockID); err != nil {
			return err
		}
	}
	ctx.DeleteNode(nid)
	return nil
}
