// Package ndb wires pkg/cowtree, pkg/amap, pkg/block and pkg/device into
// the Node BTree / Block BTree indices, the node/subnode byte-stream view,
// and the snapshotted database context with nested commit/rollback.
package ndb

import (
	"encoding/binary"

	"github.com/pstkit/pstkit/pkg/block"
)

// Fixed cowtree slot widths: NBT/subnode-tree keys are 4-byte node ids with
// a 24-byte NodeDescriptor value; BBT keys are 8-byte block ids with a
// 29-byte block.Descriptor value.
const (
	nodeKeyWidth  = 4
	nodeValWidth  = 24
	blockKeyWidth = 8
	blockValWidth = 29
)

// NodeDescriptor is the NBT leaf value: {node_id, data_bid, subnode_bid,
// parent_nid}.
type NodeDescriptor struct {
	NodeID       uint32
	DataBlockID  uint64
	SubnodeBlockID uint64
	ParentNodeID uint32
}

func encodeNodeKey(nid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, nid)
	return buf
}

func decodeNodeKey(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }

func (d NodeDescriptor) encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], d.NodeID)
	binary.LittleEndian.PutUint64(buf[4:12], d.DataBlockID)
	binary.LittleEndian.PutUint64(buf[12:20], d.SubnodeBlockID)
	binary.LittleEndian.PutUint32(buf[20:24], d.ParentNodeID)
	return buf
}

func decodeNodeDescriptor(buf []byte) NodeDescriptor {
	return NodeDescriptor{
		NodeID:         binary.LittleEndian.Uint32(buf[0:4]),
		DataBlockID:    binary.LittleEndian.Uint64(buf[4:12]),
		SubnodeBlockID: binary.LittleEndian.Uint64(buf[12:20]),
		ParentNodeID:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

func encodeBlockKey(bid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bid)
	return buf
}

func decodeBlockKey(buf []byte) uint64 { return binary.BigEndian.Uint64(buf) }

func encodeBlockDescriptor(d block.Descriptor) []byte {
	buf := make([]byte, 29)
	binary.LittleEndian.PutUint64(buf[0:8], d.ID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.Offset))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(d.Size))
	buf[24] = byte(d.Kind)
	binary.LittleEndian.PutUint32(buf[25:29], d.RefCount)
	return buf
}

func decodeBlockDescriptor(buf []byte) block.Descriptor {
	return block.Descriptor{
		ID:       binary.LittleEndian.Uint64(buf[0:8]),
		Offset:   int64(binary.LittleEndian.Uint64(buf[8:16])),
		Size:     int64(binary.LittleEndian.Uint64(buf[16:24])),
		Kind:     block.Kind(buf[24]),
		RefCount: binary.LittleEndian.Uint32(buf[25:29]),
	}
}
