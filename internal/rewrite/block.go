// Package rewrite models queued obfuscation requests against a loaded PE
// image: the three Rewrite Block variants from spec section 4.3, expressed
// as a small tagged state machine per spec's design note 9 ("re-express as
// a tagged variant ... the iterator contract becomes a small state machine
// returning Option<(rva, offset)>") rather than as a class hierarchy with a
// base-class pointer.
package rewrite

import (
	"encoding/binary"

	"github.com/scatterfault/pereloc/internal/peimage"
)

const dataSize = 4

// Block is one queued obfuscation request. Next advances to (and returns)
// the next (RVA, not-yet-decremented) site; Decrement subtracts delta from
// the word at the site Next most recently returned. NextMultiPassBlock
// returns a follow-up Block to chain transparently after this one, or
// false if there is none — only the entry-point variant ever produces one.
type Block interface {
	Next() (rva uint32, ok bool)
	Decrement(delta uint32)
	NextMultiPassBlock(pass int) (Block, bool)
}

func readWord(data []byte, offset uint32) uint32 {
	if int(offset)+dataSize > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[offset:])
}

func writeWord(data []byte, offset uint32, v uint32) {
	if int(offset)+dataSize > len(data) {
		return
	}
	binary.LittleEndian.PutUint32(data[offset:], v)
}

// EntryPointBlock targets the 4 bytes of the PE header's AddressOfEntryPoint
// field. It yields exactly one (rva, offset) pair.
type EntryPointBlock struct {
	img     *peimage.Image
	visited bool
}

func NewEntryPointBlock(img *peimage.Image) *EntryPointBlock {
	return &EntryPointBlock{img: img}
}

func (b *EntryPointBlock) Next() (uint32, bool) {
	if b.visited {
		return 0, false
	}
	b.visited = true
	return b.img.EntryPointFieldRVA(), true
}

func (b *EntryPointBlock) Decrement(delta uint32) {
	rva := b.img.EntryPointFieldRVA()
	b.img.SetHeaderWord(rva, b.img.HeaderWord(rva)-delta)
}

// NextMultiPassBlock chains a BaseAddressBlock after the entry-point
// rewrite on pass 0, so that `rewriteHeader(); fixupBase();` can be queued
// as a single multi-pass call the way PeRecompiler's addRewriteBlock does
// when multiPass is enabled (spec section 12).
func (b *EntryPointBlock) NextMultiPassBlock(pass int) (Block, bool) {
	if pass == 0 {
		return NewBaseAddressBlock(b.img), true
	}
	return nil, false
}

// BaseAddressBlock targets the 4 bytes of the PE header's ImageBase field.
// It yields exactly one (rva, offset) pair.
type BaseAddressBlock struct {
	img     *peimage.Image
	visited bool
}

func NewBaseAddressBlock(img *peimage.Image) *BaseAddressBlock {
	return &BaseAddressBlock{img: img}
}

func (b *BaseAddressBlock) Next() (uint32, bool) {
	if b.visited {
		return 0, false
	}
	b.visited = true
	return b.img.BaseAddressFieldRVA(), true
}

func (b *BaseAddressBlock) Decrement(delta uint32) {
	rva := b.img.BaseAddressFieldRVA()
	b.img.SetHeaderWord(rva, b.img.HeaderWord(rva)-delta)
}

func (b *BaseAddressBlock) NextMultiPassBlock(int) (Block, bool) {
	return nil, false
}

// SectionRangeBlock targets [Offset, Offset+Len) within one section, in
// 4-byte strides, yielding ceil(Len/4) pairs.
type SectionRangeBlock struct {
	sec     *peimage.Section
	offset  uint32
	length  uint32
	cur     uint32
	started bool
}

// NewSectionRangeBlock queues a rewrite of length bytes starting at
// section-local offset within sec.
func NewSectionRangeBlock(sec *peimage.Section, offset, length uint32) *SectionRangeBlock {
	return &SectionRangeBlock{sec: sec, offset: offset, length: length}
}

func (b *SectionRangeBlock) Next() (uint32, bool) {
	if !b.started {
		b.started = true
		b.cur = b.offset
	} else {
		b.cur += dataSize
	}
	if b.cur >= b.offset+b.length {
		return 0, false
	}
	return b.sec.RVA + b.cur, true
}

func (b *SectionRangeBlock) Decrement(delta uint32) {
	writeWord(b.sec.Data, b.cur, readWord(b.sec.Data, b.cur)-delta)
}

func (b *SectionRangeBlock) NextMultiPassBlock(int) (Block, bool) {
	return nil, false
}
