package ndb

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pstkit/pstkit/internal/log"
	"github.com/pstkit/pstkit/internal/metrics"
	"github.com/pstkit/pstkit/pkg/amap"
	"github.com/pstkit/pstkit/pkg/block"
	"github.com/pstkit/pstkit/pkg/cowtree"
	"github.com/pstkit/pstkit/pkg/device"
)

// Options configures a Database.
type Options struct {
	CompressBlocks bool
	Logger         *log.Logger
	Metrics        *metrics.Metrics

	// DisableAutoRebuild skips the automatic AMap rebuild Open otherwise
	// runs when the header's AMapValid flag is false. A caller that sets
	// this is responsible for calling RebuildAMap itself before doing any
	// allocation; the database opens read-usable either way since reads
	// never consult the AMap.
	DisableAutoRebuild bool
}

// Database is the root-level NDB instance: the committed NBT/BBT, the
// AMap, the block store, and the single commit mutex every root Context
// commit serializes through.
type Database struct {
	dev    device.Device
	header *device.Header
	amap   *amap.AMap
	blocks *block.Store
	log    *log.Logger
	met    *metrics.Metrics

	commitMu  sync.Mutex
	commitSeq uint64

	nbt *cowtree.Tree
	bbt *cowtree.Tree

	// openSeqCounts[s] is the number of currently-open contexts whose
	// snapshot was taken at commit generation s. A structural page or block
	// freed by commit g cannot be physically released while any open
	// context's generation predates g, since such a context may still read
	// through a pinned snapshot reachable from that older generation.
	openSeqCounts map[uint64]int
	pending       []pendingRelease
}

type pendingKind int

const (
	pendingPage pendingKind = iota
	pendingBlockID
)

type pendingRelease struct {
	kind       pendingKind
	ptr        uint64
	freedAtSeq uint64
}

// Open creates or attaches a Database on dev.
func Open(dev device.Device, opt Options) (*Database, error) {
	logger := opt.Logger
	if logger == nil {
		logger = log.Get()
	}

	size, err := dev.Size()
	if err != nil {
		return nil, err
	}

	var h *device.Header
	if size == 0 {
		h, err = device.InitHeader(dev, device.FormatUnicode, nil)
	} else {
		h, err = device.ReadHeader(dev, nil)
	}
	if err != nil {
		return nil, err
	}

	amapOffset := int64(2 * device.PageSize) // right after the two header copies
	am, err := amap.Open(dev, amapOffset, size, nil, logger.Component("amap"))
	if err != nil {
		return nil, err
	}

	blocks, err := block.NewStore(dev, am, h.NextBlockID, block.Options{CompressBlocks: opt.CompressBlocks})
	if err != nil {
		return nil, err
	}

	d := &Database{
		dev: dev, header: h, amap: am, blocks: blocks,
		log:           logger,
		met:           opt.Metrics,
		openSeqCounts: map[uint64]int{},
	}
	d.nbt = cowtree.New(d.structureStore(), h.NBTRoot, nodeKeyWidth, nodeValWidth)
	d.bbt = cowtree.New(d.structureStore(), h.BBTRoot, blockKeyWidth, blockValWidth)

	if !h.AMapValid && !opt.DisableAutoRebuild {
		d.rebuildAMap()
	}

	return d, nil
}

// RebuildAMap forces a recompute of the free-slot bitmap from the committed
// BBT. Open calls this automatically unless Options.DisableAutoRebuild was
// set; callers that disabled it must call this themselves before any
// allocation if the header reported the AMap invalid.
func (d *Database) RebuildAMap() { d.rebuildAMap() }

// structureStore is the page-backed cowtree.Store for the root NBT/BBT:
// pages are fixed PageSize slots allocated straight from the AMap, keyed by
// their own file offset. Del does not free immediately — it queues the page
// behind the generation-gated pending list so a context that snapshotted
// before this commit can still read it.
func (d *Database) structureStore() cowtree.Store {
	return cowtree.Store{
		Get: func(ptr uint64) []byte {
			buf, err := d.dev.ReadAt(int64(ptr), device.PageSize)
			if err != nil {
				panic(fmt.Errorf("ndb: read structure page %d: %w", ptr, err))
			}
			return buf
		},
		New: func(page []byte) uint64 {
			addr, err := d.amap.Allocate(device.PageSize)
			if err != nil {
				panic(fmt.Errorf("ndb: allocate structure page: %w", err))
			}
			padded := make([]byte, device.PageSize)
			copy(padded, page)
			if err := d.dev.WriteAt(addr, padded); err != nil {
				panic(fmt.Errorf("ndb: write structure page: %w", err))
			}
			return uint64(addr)
		},
		Del: func(ptr uint64) {
			d.queueRelease(pendingPage, ptr)
		},
	}
}

// queueRelease is called mid-commit (while holding commitMu) for every page
// or block the commit superseded.
func (d *Database) queueRelease(kind pendingKind, ptr uint64) {
	d.pending = append(d.pending, pendingRelease{kind: kind, ptr: ptr, freedAtSeq: d.commitSeq + 1})
}

// drainPending physically releases anything in the pending list that no
// remaining open context could still observe. Must be called while holding
// commitMu.
func (d *Database) drainPending() {
	minOpen := uint64(math.MaxUint64)
	for seq, cnt := range d.openSeqCounts {
		if cnt > 0 && seq < minOpen {
			minOpen = seq
		}
	}

	kept := d.pending[:0]
	for _, p := range d.pending {
		if minOpen >= p.freedAtSeq {
			d.releaseNow(p)
		} else {
			kept = append(kept, p)
		}
	}
	d.pending = kept
}

func (d *Database) releaseNow(p pendingRelease) {
	switch p.kind {
	case pendingPage:
		if err := d.amap.FreeAllocation(int64(p.ptr), device.PageSize); err != nil {
			d.log.Error("free deferred structure page", err)
		}
	case pendingBlockID:
		if desc, ok := d.lookupBlockCommitted(p.ptr); ok {
			if err := d.blocks.Free(desc); err != nil {
				d.log.Error("free deferred block", err)
			}
		}
	}
}

func (d *Database) lookupBlockCommitted(bid uint64) (block.Descriptor, bool) {
	raw, ok := d.bbt.Get(encodeBlockKey(bid))
	if !ok {
		return block.Descriptor{}, false
	}
	return decodeBlockDescriptor(raw), true
}

// rebuildAMap walks the committed BBT to recompute the bitmap when the
// header reports it invalid.
func (d *Database) rebuildAMap() {
	var live []amap.Extent
	d.bbt.Scan(nil, func(_, v []byte) bool {
		desc := decodeBlockDescriptor(v)
		live = append(live, amap.Extent{Offset: desc.Offset, Size: desc.Size})
		return true
	})
	live = append(live, amap.Extent{Offset: 0, Size: 2 * device.PageSize})
	d.amap.Rebuild(live)
	d.header.AMapValid = true
}

// DumpNodes walks every committed NBT entry in ascending node-id order.
func (d *Database) DumpNodes(fn func(NodeDescriptor) bool) {
	d.nbt.Scan(nil, func(_, v []byte) bool {
		return fn(decodeNodeDescriptor(v))
	})
}

// DumpBlocks walks every committed BBT entry in ascending block-id order.
func (d *Database) DumpBlocks(fn func(block.Descriptor) bool) {
	d.bbt.Scan(nil, func(_, v []byte) bool {
		return fn(decodeBlockDescriptor(v))
	})
}

// VerifyNodeTree walks the committed NBT checking every descriptor decodes
// and, when it names a data or subnode block, that the block is present in
// the committed BBT.
func (d *Database) VerifyNodeTree() error {
	var firstErr error
	d.nbt.Scan(nil, func(_, v []byte) bool {
		desc := decodeNodeDescriptor(v)
		if desc.DataBlockID != 0 {
			if _, ok := d.lookupBlockCommitted(desc.DataBlockID); !ok {
				firstErr = fmt.Errorf("ndb: node %d references missing data block %d", desc.NodeID, desc.DataBlockID)
				return false
			}
		}
		if desc.SubnodeBlockID != 0 {
			if _, ok := d.lookupBlockCommitted(desc.SubnodeBlockID); !ok {
				firstErr = fmt.Errorf("ndb: node %d references missing subnode root block %d", desc.NodeID, desc.SubnodeBlockID)
				return false
			}
		}
		return true
	})
	return firstErr
}

// VerifyBlockTree walks the committed BBT checking every descriptor decodes
// and carries a nonzero ref count.
func (d *Database) VerifyBlockTree() error {
	var firstErr error
	d.bbt.Scan(nil, func(_, v []byte) bool {
		desc := decodeBlockDescriptor(v)
		if desc.RefCount == 0 {
			firstErr = fmt.Errorf("ndb: block %d committed with a zero ref count", desc.ID)
			return false
		}
		return true
	})
	return firstErr
}

// AMapDList returns the current free-slot directory, for operator
// inspection (pstctl dump amap).
func (d *Database) AMapDList() []amap.DListEntry { return d.amap.DList() }

// HeaderSnapshot is a read-only copy of header fields operator tooling
// cares about.
type HeaderSnapshot struct {
	NBTRoot     uint64
	BBTRoot     uint64
	NextBlockID uint64
}

// Header returns a snapshot of the current header fields.
func (d *Database) Header() HeaderSnapshot {
	return HeaderSnapshot{NBTRoot: d.header.NBTRoot, BBTRoot: d.header.BBTRoot, NextBlockID: d.header.NextBlockID}
}

// NewRootContext opens a fresh Context snapshotting the currently committed
// NBT/BBT.
func (d *Database) NewRootContext() *Context {
	d.commitMu.Lock()
	seq := d.commitSeq
	d.openSeqCounts[seq]++
	d.commitMu.Unlock()
	return &Context{
		ID:              newContextID(),
		db:              d,
		baseSeq:         seq,
		snapshotNBT:     cowtree.New(d.structureStore(), d.nbt.Root(), nodeKeyWidth, nodeValWidth),
		snapshotBBT:     cowtree.New(d.structureStore(), d.bbt.Root(), blockKeyWidth, blockValWidth),
		nbtDirty:        map[uint32]*NodeDescriptor{},
		bbtDirty:        map[uint64]*block.Descriptor{},
		nbtReadBaseline: map[uint32][]byte{},
		bbtReadBaseline: map[uint64][]byte{},
	}
}

// Close flushes the AMap and writes a fresh header copy.
func (d *Database) Close() error {
	if err := d.amap.Flush(); err != nil {
		return err
	}
	d.header.NBTRoot = d.nbt.Root()
	d.header.BBTRoot = d.bbt.Root()
	d.header.NextBlockID = d.blocks.NextBlockID()
	if err := device.WriteHeader(d.dev, d.header, nil); err != nil {
		return err
	}
	return d.dev.Close()
}

func (d *Database) recordCommit(contextID string, ok bool, start time.Time) {
	if d.met != nil {
		d.met.RecordCommit(contextID, ok, time.Since(start))
	}
}
