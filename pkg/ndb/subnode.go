package ndb

import (
	"fmt"

	"github.com/pstkit/pstkit/pkg/block"
	"github.com/pstkit/pstkit/pkg/cowtree"
)

// blockBackedStore gives a cowtree.Tree its pages as blocks rather than raw
// AMap slots, so a subnode tree's pages participate in the same
// ref-counted, commit-staged lifecycle as any other block: New writes a new
// block and stages it into ctx, Del drops the superseded page's ref count
// through the context exactly like any other freed block.
func blockBackedStore(ctx *Context) cowtree.Store {
	lookup := func(bid uint64) (block.Descriptor, error) {
		d, ok, err := ctx.GetBlock(bid)
		if err != nil {
			return block.Descriptor{}, err
		}
		if !ok {
			return block.Descriptor{}, fmt.Errorf("ndb: subnode page block %d missing", bid)
		}
		return d, nil
	}

	return cowtree.Store{
		Get: func(ptr uint64) []byte {
			root, err := lookup(ptr)
			if err != nil {
				panic(err)
			}
			data, err := ctx.db.blocks.Read(root, lookup)
			if err != nil {
				panic(fmt.Errorf("ndb: read subnode page %d: %w", ptr, err))
			}
			return data
		},
		New: func(page []byte) uint64 {
			d, err := ctx.db.blocks.WriteRaw(page, block.KindSubnodeLeaf)
			if err != nil {
				panic(fmt.Errorf("ndb: write subnode page: %w", err))
			}
			ctx.PutBlock(d)
			return d.ID
		},
		Del: func(ptr uint64) {
			if err := ctx.DecRefBlock(ptr); err != nil {
				ctx.db.log.Error("decref subnode page", err)
			}
		},
	}
}

// SubnodeTree is the per-node dictionary of child nodes, keyed by subnode
// id, stored as a cowtree.Tree of blocks.
type SubnodeTree struct {
	ctx  *Context
	tree *cowtree.Tree
}

// OpenSubnodeTree opens n's subnode dictionary (empty if n has none yet).
func OpenSubnodeTree(ctx *Context, n *Node) *SubnodeTree {
	return &SubnodeTree{ctx: ctx, tree: cowtree.New(blockBackedStore(ctx), n.desc.SubnodeBlockID, nodeKeyWidth, nodeValWidth)}
}

// CreateSubnode starts a new subnode with id sbnid, returned ready for
// Write/Resize and SaveSubnode. Its ParentNodeID is 0: the tree does not
// record which node owns it.
func (s *SubnodeTree) CreateSubnode(sbnid uint32) *Node {
	return CreateNode(s.ctx, sbnid, 0)
}

// Get resolves a subnode id to its descriptor.
func (s *SubnodeTree) Get(sbnid uint32) (NodeDescriptor, bool) {
	raw, ok := s.tree.Get(encodeNodeKey(sbnid))
	if !ok {
		return NodeDescriptor{}, false
	}
	return decodeNodeDescriptor(raw), true
}

// SaveSubnode writes child's data block and stages its descriptor into the
// subnode tree.
func (s *SubnodeTree) SaveSubnode(child *Node) (uint64, error) {
	if err := child.SaveNode(); err != nil {
		return 0, err
	}
	s.tree.Insert(encodeNodeKey(child.desc.NodeID), child.desc.encode())
	return s.tree.Root(), nil
}

// DeleteSubnode removes sbnid from the dictionary and returns its
// descriptor. The ref counts of the subnode's blocks are left unchanged:
// neither this method nor the parent Node's SaveNode decrements them.
func (s *SubnodeTree) DeleteSubnode(sbnid uint32) (NodeDescriptor, bool) {
	desc, ok := s.Get(sbnid)
	if !ok {
		return NodeDescriptor{}, false
	}
	s.tree.Delete(encodeNodeKey(sbnid))
	return desc, true
}

// Root returns the subnode tree's current root block id, to store back into
// the parent node's descriptor.
func (s *SubnodeTree) Root() uint64 { return s.tree.Root() }
