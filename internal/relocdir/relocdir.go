// Package relocdir models the PE base-relocation directory: a sequence of
// blocks, each covering at most 4096 bytes of RVA space, each holding 16-bit
// entries that pack a 4-bit relocation type and a 12-bit page offset.
//
// No library in the retrieved example pack exposes a *mutable* directory
// builder (every repo that walks base relocations does so read-only, against
// an existing directory already produced by a linker); every repo that does
// touch the raw bytes hand-parses the same PageAddress/BlockSize/type+offset
// layout this package formalizes (see carved4-meltload/pkg/pe/remoteload.go
// applyRelocations, and the BASE_RELOCATION_BLOCK/ImageReloc types in
// carved4-meltload/pkg/pe/types.go). This package is that same layout, with
// the write side the pack never needed added back in.
package relocdir

import (
	"encoding/binary"
	"fmt"
)

// Relocation types this rewriter ever produces or accepts. Parse rejects
// types other than these two with ErrUnknownType.
const (
	TypeAbsolute = 0
	TypeHighLow  = 3
)

const (
	blockHeaderSize = 8
	entrySize       = 2
	// MaxBlockSpan is the largest RVA span one block can address, bounded
	// by the entry's 12-bit offset field.
	MaxBlockSpan = 4096
)

// ErrUnknownType is returned when a relocation entry's type is neither
// TypeAbsolute (padding) nor TypeHighLow.
var ErrUnknownType = fmt.Errorf("unknown relocation type")

// Entry is one packed relocation: a type tag and a 12-bit offset from its
// block's BeginRVA.
type Entry struct {
	Type   uint16
	Offset uint16 // must be < MaxBlockSpan
}

// Pack encodes the entry into the on-disk 16-bit form.
func (e Entry) Pack() uint16 {
	return (e.Type << 12) | (e.Offset & 0x0FFF)
}

// Unpack decodes a 16-bit on-disk entry.
func Unpack(v uint16) Entry {
	return Entry{Type: v >> 12, Offset: v & 0x0FFF}
}

// Block is one relocation block: a base RVA and its entries, in the order
// they'll be emitted.
type Block struct {
	BeginRVA uint32
	Entries  []Entry
}

// SizeOfBlock is the on-disk size of this block's header+entries, rounded
// up to a 4-byte boundary by padding with a trailing absolute (type 0)
// entry when the entry count is odd.
func (b Block) SizeOfBlock() uint32 {
	n := len(b.Entries)
	if n%2 == 1 {
		n++
	}
	return uint32(blockHeaderSize + n*entrySize)
}

// Directory is the full base-relocation directory: an ordered list of
// blocks. It is deliberately ignorant of *why* any entry exists — the
// packer (package recompiler) decides what to add; Directory just holds it
// and serializes it, the way PeLib's RelocationsDirectory does for
// PeRecompiler.cpp.
type Directory struct {
	Blocks []Block
}

// Parse reads an existing on-disk relocation directory out of raw bytes
// (as found in the base-reloc section's data). Unrecognized relocation
// types are reported as ErrUnknownType with the offending type, and no
// directory is returned. The parser always matches by equality, never by
// the looser historical `type & HIGHLOW` test (spec's noted open question).
func Parse(data []byte) (*Directory, error) {
	dir := &Directory{}
	pos := 0
	for pos < len(data) {
		if pos+blockHeaderSize > len(data) {
			return nil, fmt.Errorf("relocation directory truncated at block header")
		}
		rva := binary.LittleEndian.Uint32(data[pos:])
		size := binary.LittleEndian.Uint32(data[pos+4:])
		if size == 0 {
			break
		}
		if size < blockHeaderSize || pos+int(size) > len(data) {
			return nil, fmt.Errorf("relocation block at offset %d has invalid size %d", pos, size)
		}

		count := (int(size) - blockHeaderSize) / entrySize
		block := Block{BeginRVA: rva}
		for i := 0; i < count; i++ {
			off := pos + blockHeaderSize + i*entrySize
			raw := binary.LittleEndian.Uint16(data[off:])
			e := Unpack(raw)
			if e.Type != TypeAbsolute && e.Type != TypeHighLow {
				return nil, fmt.Errorf("%w: 0x%x", ErrUnknownType, e.Type)
			}
			block.Entries = append(block.Entries, e)
		}

		dir.Blocks = append(dir.Blocks, block)
		pos += int(size)
	}
	return dir, nil
}

// NumberOfRelocations is the number of blocks currently held, matching
// PeLib's calcNumberOfRelocations.
func (d *Directory) NumberOfRelocations() int {
	return len(d.Blocks)
}

// AddBlock appends an empty block at the given base RVA and returns its
// index, matching PeLib's addRelocation.
func (d *Directory) AddBlock(beginRVA uint32) int {
	d.Blocks = append(d.Blocks, Block{BeginRVA: beginRVA})
	return len(d.Blocks) - 1
}

// AddEntry appends a packed 16-bit entry to block i, matching PeLib's
// addRelocationData.
func (d *Directory) AddEntry(i int, packed uint16) {
	d.Blocks[i].Entries = append(d.Blocks[i].Entries, Unpack(packed))
}

// RemoveBlock deletes block i, matching PeLib's removeRelocation.
func (d *Directory) RemoveBlock(i int) {
	d.Blocks = append(d.Blocks[:i], d.Blocks[i+1:]...)
}

// Clear empties the directory, the on-disk relocator's post-state after
// absorbing the original fixups (spec 4.2 step 5).
func (d *Directory) Clear() {
	d.Blocks = nil
}

// Bytes serializes the directory into its on-disk form, matching PeLib's
// rebuild(buffer). Each block is emitted with a trailing zero-entry pad
// when its entry count is odd, so every block's size is a multiple of 4.
func (d *Directory) Bytes() []byte {
	var out []byte
	for _, b := range d.Blocks {
		entries := b.Entries
		if len(entries)%2 == 1 {
			entries = append(append([]Entry(nil), entries...), Entry{Type: TypeAbsolute, Offset: 0})
		}

		hdr := make([]byte, blockHeaderSize)
		binary.LittleEndian.PutUint32(hdr, b.BeginRVA)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(blockHeaderSize+len(entries)*entrySize))
		out = append(out, hdr...)

		for _, e := range entries {
			buf := make([]byte, entrySize)
			binary.LittleEndian.PutUint16(buf, e.Pack())
			out = append(out, buf...)
		}
	}
	return out
}
