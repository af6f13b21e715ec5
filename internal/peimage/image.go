package peimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	bpe "github.com/Binject/debug/pe"
)

// Fixed PE32 layout offsets, relative to the start of the optional header
// (i.e. AddressOfPeHeader + 4 (signature) + 20 (file header)). These never
// move for a 32-bit image; spec's non-goals exclude PE32+ so there is no
// second layout to support.
const (
	ohMagicOffset              = 0x00
	ohEntryPointOffset         = 0x10
	ohImageBaseOffset          = 0x1C
	ohSectionAlignmentOffset   = 0x20
	ohFileAlignmentOffset      = 0x24
	ohSizeOfImageOffset        = 0x38
	ohSizeOfHeadersOffset      = 0x3C
	ohDllCharacteristicsOffset = 0x46
	ohDataDirectoryOffset      = 0x60
	dataDirectoryEntrySize     = 8
	numDataDirectories         = 16

	peSignatureSize    = 4
	fileHeaderSize     = 20
	sectionHeaderSize  = 40

	magicPE32 = 0x10B
)

// Data directory indices used by this rewriter.
const (
	DirExport    = 0
	DirImport    = 1
	DirBaseReloc = 5
	DirIAT       = 12
)

const dynamicBaseFlag = 0x0040 // IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE

// Image is the in-memory mirror of one PE file: MZ header, the fixed-layout
// PE header fields this rewriter cares about, the section table, and each
// section's owned byte buffer. It is the Section Table Model and Loader of
// spec section 4.1, plus the subset of the "external PE header library"
// surface (image-base/entry-point/characteristics getters+setters,
// data-directory access, addSection, rvaToOffset) that isn't delegated to
// github.com/Binject/debug/pe.
type Image struct {
	mz MzHeader

	// optHeader is the raw signature+file-header+optional-header block,
	// patched in place by the setters below and re-emitted verbatim on
	// write. Its layout is fixed PE32, per the offsets above.
	optHeader []byte

	numberOfSections     uint16
	sizeOfOptionalHeader uint16
	fileCharacteristics  uint16
	timeDateStamp        uint32

	// sectionTable is the raw 40-byte-per-entry section header array,
	// mutated alongside optHeader and appended to when a section is added.
	sectionTable []byte

	Sections []*Section
}

// ReadFile reads path and returns its raw bytes, split out as its own step
// so the controller can hold onto them between ParseHeader and
// LoadSectionData (spec's load_image / load_sections split, section 4.1).
func ReadFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return raw, nil
}

// ParseHeader validates the MZ/PE signatures and builds an Image with the
// section table's metadata populated, but no section byte data loaded yet
// (each Section.Data is nil) — this is load_image from spec 4.1.
// Binject/debug/pe performs the actual COFF/optional-header/section-table
// parse; Image re-derives the mutable raw header bytes directly from raw,
// since the rewriter needs to patch and re-emit those bytes exactly, not
// just read structured fields out of them.
func ParseHeader(raw []byte) (*Image, error) {
	mz, err := readMzHeader(raw)
	if err != nil {
		return nil, err
	}

	bf, err := bpe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	peOff := int(mz.AddressOfPeHeader)
	if peOff+peSignatureSize+fileHeaderSize > len(raw) {
		return nil, fmt.Errorf("%w: PE header truncated", ErrBadHeader)
	}
	if !bytes.Equal(raw[peOff:peOff+2], []byte("PE")) {
		return nil, fmt.Errorf("%w: missing PE signature", ErrBadHeader)
	}

	sizeOfOptionalHeader := bf.FileHeader.SizeOfOptionalHeader
	optHeaderStart := peOff + peSignatureSize + fileHeaderSize
	optHeaderEnd := optHeaderStart + int(sizeOfOptionalHeader)
	if optHeaderEnd > len(raw) {
		return nil, fmt.Errorf("%w: optional header truncated", ErrBadHeader)
	}

	oh, ok := bf.OptionalHeader.(*bpe.OptionalHeader32)
	if !ok {
		return nil, fmt.Errorf("%w: not a PE32 image (PE32+ is out of scope)", ErrBadHeader)
	}
	if oh.Magic != magicPE32 {
		return nil, fmt.Errorf("%w: unexpected optional header magic 0x%x", ErrBadHeader, oh.Magic)
	}

	sectionTableStart := optHeaderEnd
	sectionTableEnd := sectionTableStart + int(bf.FileHeader.NumberOfSections)*sectionHeaderSize
	if sectionTableEnd > len(raw) {
		return nil, fmt.Errorf("%w: section table truncated", ErrBadHeader)
	}

	img := &Image{
		mz:                   mz,
		optHeader:            append([]byte(nil), raw[peOff:optHeaderEnd]...),
		numberOfSections:     bf.FileHeader.NumberOfSections,
		sizeOfOptionalHeader: sizeOfOptionalHeader,
		fileCharacteristics:  bf.FileHeader.Characteristics,
		timeDateStamp:        bf.FileHeader.TimeDateStamp,
		sectionTable:         append([]byte(nil), raw[sectionTableStart:sectionTableEnd]...),
	}

	for i, bs := range bf.Sections {
		img.Sections = append(img.Sections, &Section{
			Index:           i,
			Name:            bs.Name,
			RVA:             bs.VirtualAddress,
			VirtualSize:     bs.VirtualSize,
			RawSize:         bs.Size,
			RawPointer:      bs.Offset,
			Characteristics: bs.Characteristics,
		})
	}

	return img, nil
}

// LoadSectionData reads each section's raw bytes out of raw (the same
// whole-file buffer ParseHeader was given) into its owned buffer — this is
// load_sections from spec 4.1. The caller is responsible for the
// "reloc section is the final section" precondition check afterward
// (spec 4.1's UnsupportedLayout), since that's pipeline policy, not model
// state.
func (img *Image) LoadSectionData(raw []byte) error {
	for _, s := range img.Sections {
		end := uint64(s.RawPointer) + uint64(s.RawSize)
		if s.RawSize == 0 {
			s.Data = nil
			continue
		}
		if end > uint64(len(raw)) {
			return fmt.Errorf("section %s raw range [0x%x,0x%x) exceeds file size", s.Name, s.RawPointer, end)
		}
		s.Data = append([]byte(nil), raw[s.RawPointer:end]...)
	}
	return nil
}

// Load is the one-shot convenience composing ReadFile, ParseHeader, and
// LoadSectionData, for callers (tests, simple tooling) that don't need the
// two-phase split.
func Load(path string) (*Image, error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBytes(raw)
}

// LoadBytes is Load without touching the filesystem.
func LoadBytes(raw []byte) (*Image, error) {
	img, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := img.LoadSectionData(raw); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) optOffset(off int) []byte {
	base := peSignatureSize + fileHeaderSize
	return img.optHeader[base+off:]
}

// EntryPointRVA returns the PE header's AddressOfEntryPoint field.
func (img *Image) EntryPointRVA() uint32 {
	return binary.LittleEndian.Uint32(img.optOffset(ohEntryPointOffset))
}

// SetEntryPointRVA overwrites AddressOfEntryPoint.
func (img *Image) SetEntryPointRVA(rva uint32) {
	binary.LittleEndian.PutUint32(img.optOffset(ohEntryPointOffset), rva)
}

// ImageBase returns the declared (preferred) load base.
func (img *Image) ImageBase() uint32 {
	return binary.LittleEndian.Uint32(img.optOffset(ohImageBaseOffset))
}

// SetImageBase overwrites ImageBase.
func (img *Image) SetImageBase(base uint32) {
	binary.LittleEndian.PutUint32(img.optOffset(ohImageBaseOffset), base)
}

// DllCharacteristics returns the characteristics bitfield (ASLR flag lives
// here).
func (img *Image) DllCharacteristics() uint16 {
	return binary.LittleEndian.Uint16(img.optOffset(ohDllCharacteristicsOffset))
}

// SetDllCharacteristics overwrites the characteristics bitfield.
func (img *Image) SetDllCharacteristics(c uint16) {
	binary.LittleEndian.PutUint16(img.optOffset(ohDllCharacteristicsOffset), c)
}

// HasDynamicBase reports whether IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE is
// set.
func (img *Image) HasDynamicBase() bool {
	return img.DllCharacteristics()&dynamicBaseFlag == dynamicBaseFlag
}

// SetDynamicBase sets or clears the ASLR dynamic-base characteristics bit,
// ORing or AND-NOTing it in rather than replacing the whole bitfield (spec's
// design note 8: the source's Win10 branch ANDs the flag in, clearing every
// other characteristic bit by mistake).
func (img *Image) SetDynamicBase(on bool) {
	c := img.DllCharacteristics()
	if on {
		c |= dynamicBaseFlag
	} else {
		c &^= dynamicBaseFlag
	}
	img.SetDllCharacteristics(c)
}

// DataDirectory returns the (RVA, size) pair for data directory index i.
func (img *Image) DataDirectory(i int) (rva, size uint32) {
	off := ohDataDirectoryOffset + i*dataDirectoryEntrySize
	b := img.optOffset(off)
	return binary.LittleEndian.Uint32(b), binary.LittleEndian.Uint32(b[4:])
}

// SetDataDirectory overwrites the (RVA, size) pair for data directory
// index i.
func (img *Image) SetDataDirectory(i int, rva, size uint32) {
	off := ohDataDirectoryOffset + i*dataDirectoryEntrySize
	b := img.optOffset(off)
	binary.LittleEndian.PutUint32(b, rva)
	binary.LittleEndian.PutUint32(b[4:], size)
}

// SizeOfImage / SetSizeOfImage access the header's total mapped-size field.
func (img *Image) SizeOfImage() uint32 {
	return binary.LittleEndian.Uint32(img.optOffset(ohSizeOfImageOffset))
}

func (img *Image) SetSizeOfImage(v uint32) {
	binary.LittleEndian.PutUint32(img.optOffset(ohSizeOfImageOffset), v)
}

func (img *Image) sectionAlignment() uint32 {
	return binary.LittleEndian.Uint32(img.optOffset(ohSectionAlignmentOffset))
}

func (img *Image) fileAlignment() uint32 {
	return binary.LittleEndian.Uint32(img.optOffset(ohFileAlignmentOffset))
}

// FileAlignment is the header's declared on-disk section alignment,
// exposed for callers (the packer) that must size newly written sections
// the same way AddSection does internally.
func (img *Image) FileAlignment() uint32 {
	return img.fileAlignment()
}

// AddressOfPeHeader is the DOS header's e_lfanew.
func (img *Image) AddressOfPeHeader() uint32 {
	return img.mz.AddressOfPeHeader
}

// optHeaderRVA converts a buffer-relative offset into optHeader into an
// RVA. The PE/DOS headers are identity-mapped at load (RVA == file offset
// for the region covered by SizeOfHeaders), so a field's RVA is simply its
// absolute file offset.
func (img *Image) optHeaderRVA(bufOffset int) uint32 {
	return img.mz.AddressOfPeHeader + uint32(peSignatureSize+fileHeaderSize+bufOffset)
}

// EntryPointFieldRVA is the RVA of the AddressOfEntryPoint header field
// itself (not the RVA it currently points to).
func (img *Image) EntryPointFieldRVA() uint32 {
	return img.optHeaderRVA(ohEntryPointOffset)
}

// BaseAddressFieldRVA is the RVA of the ImageBase header field itself.
func (img *Image) BaseAddressFieldRVA() uint32 {
	return img.optHeaderRVA(ohImageBaseOffset)
}

// HeaderWord reads the 4-byte word at the given RVA, which must fall
// within the identity-mapped header region (i.e. have come from
// EntryPointFieldRVA or BaseAddressFieldRVA).
func (img *Image) HeaderWord(rva uint32) uint32 {
	off := int(rva-img.mz.AddressOfPeHeader) - (peSignatureSize + fileHeaderSize)
	return binary.LittleEndian.Uint32(img.optHeader[peSignatureSize+fileHeaderSize+off:])
}

// SetHeaderWord writes the 4-byte word at the given RVA.
func (img *Image) SetHeaderWord(rva uint32, v uint32) {
	off := int(rva-img.mz.AddressOfPeHeader) - (peSignatureSize + fileHeaderSize)
	binary.LittleEndian.PutUint32(img.optHeader[peSignatureSize+fileHeaderSize+off:], v)
}

// SectionByRVA returns the section whose raw range wholly contains
// [rva, rva+size), or nil. size and rva of zero are always rejected, same
// as the original getSectionByRVA.
func (img *Image) SectionByRVA(rva, size uint32) *Section {
	if rva == 0 || size == 0 {
		return nil
	}
	for _, s := range img.Sections {
		if s.Contains(rva, size) {
			return s
		}
	}
	return nil
}

// SectionStartingAt returns the section whose RVA exactly equals rva,
// ignoring its size — used to locate a zero-length relocation section
// (an empty but present base-relocation directory), which SectionByRVA
// would never match since it rejects a zero-size query range outright.
func (img *Image) SectionStartingAt(rva uint32) *Section {
	for _, s := range img.Sections {
		if s.RVA == rva {
			return s
		}
	}
	return nil
}

// SectionByName returns the section with the given name, or nil.
func (img *Image) SectionByName(name string) *Section {
	for _, s := range img.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// AddSection appends a brand-new section header and owned, zero-filled
// section to the image, at the next RVA/file-offset slot, and returns it.
// It is the "Allocate" half of the Section Allocator (spec 4.6); the reuse
// half lives in package recompiler, since it is policy, not model.
func (img *Image) AddSection(name string, rawSize uint32, characteristics uint32) (*Section, error) {
	if len(name) > 8 {
		return nil, fmt.Errorf("section name %q longer than 8 bytes", name)
	}

	secAlign := img.sectionAlignment()
	fileAlign := img.fileAlignment()

	var lastEnd, lastRawEnd uint32
	for _, s := range img.Sections {
		if end := alignUp(s.RVA+s.VirtualSize, secAlign); end > lastEnd {
			lastEnd = end
		}
		if end := s.RawPointer + s.RawSize; end > lastRawEnd {
			lastRawEnd = end
		}
	}
	if lastEnd == 0 {
		lastEnd = secAlign
	}

	rva := alignUp(lastEnd, secAlign)
	rawAligned := alignUp(rawSize, fileAlign)
	rawPointer := alignUp(lastRawEnd, fileAlign)

	nameBytes := [8]byte{}
	copy(nameBytes[:], name)

	entry := make([]byte, sectionHeaderSize)
	copy(entry[0:8], nameBytes[:])
	binary.LittleEndian.PutUint32(entry[8:], rawSize)
	binary.LittleEndian.PutUint32(entry[12:], rva)
	binary.LittleEndian.PutUint32(entry[16:], rawAligned)
	binary.LittleEndian.PutUint32(entry[20:], rawPointer)
	binary.LittleEndian.PutUint32(entry[36:], characteristics)
	img.sectionTable = append(img.sectionTable, entry...)
	img.numberOfSections++
	binary.LittleEndian.PutUint16(img.optHeader[peSignatureSize+2:], img.numberOfSections)

	sec := &Section{
		Index:           len(img.Sections),
		Name:            name,
		RVA:             rva,
		VirtualSize:     rawSize,
		RawSize:         rawAligned,
		RawPointer:      rawPointer,
		Characteristics: characteristics,
		Data:            make([]byte, rawAligned),
	}
	img.Sections = append(img.Sections, sec)

	img.MakeValid()
	return sec, nil
}

// ResizeSection updates a section's stored virtual/raw size fields in both
// the section table bytes and the Section mirror (used by the packer when
// it regenerates the relocation section and by the allocator when reusing
// a pooled section).
func (img *Image) ResizeSection(sec *Section, virtualSize, rawSize uint32) {
	sec.VirtualSize = virtualSize
	sec.RawSize = rawSize

	entryOff := sec.Index * sectionHeaderSize
	entry := img.sectionTable[entryOff : entryOff+sectionHeaderSize]
	binary.LittleEndian.PutUint32(entry[8:], virtualSize)
	binary.LittleEndian.PutUint32(entry[16:], rawSize)
}

// RenameSection updates a section's name in both the table bytes and the
// Section mirror.
func (img *Image) RenameSection(sec *Section, name string) error {
	if len(name) > 8 {
		return fmt.Errorf("section name %q longer than 8 bytes", name)
	}
	sec.Name = name
	entryOff := sec.Index * sectionHeaderSize
	entry := img.sectionTable[entryOff : entryOff+sectionHeaderSize]
	var nameBytes [8]byte
	copy(nameBytes[:], name)
	copy(entry[0:8], nameBytes[:])
	return nil
}

// SetSectionCharacteristics updates a section's characteristics bitfield.
func (img *Image) SetSectionCharacteristics(sec *Section, characteristics uint32) {
	sec.Characteristics = characteristics
	entryOff := sec.Index * sectionHeaderSize
	entry := img.sectionTable[entryOff : entryOff+sectionHeaderSize]
	binary.LittleEndian.PutUint32(entry[36:], characteristics)
}

// RVAToFileOffset translates an RVA to a file offset using the section
// table, the way PeLib's rvaToOffset does.
func (img *Image) RVAToFileOffset(rva uint32) (uint32, error) {
	for _, s := range img.Sections {
		if rva >= s.RVA && rva < s.RVA+s.RawSize {
			return s.RawPointer + (rva - s.RVA), nil
		}
	}
	return 0, fmt.Errorf("RVA 0x%x is not backed by any section", rva)
}

// MakeValid recomputes SizeOfImage from the current section table, the way
// PeLib's PeHeader::makeValid does after a section is added or resized.
// Section alignment and checksums beyond SizeOfImage are left to the
// loader; this rewriter's images are never checksum-validated by Windows
// unless Authenticode is in play, which is explicitly out of scope.
func (img *Image) MakeValid() {
	secAlign := img.sectionAlignment()
	var top uint32
	for _, s := range img.Sections {
		if end := alignUp(s.RVA+s.VirtualSize, secAlign); end > top {
			top = end
		}
	}
	img.SetSizeOfImage(alignUp(top, secAlign))
}

// Write serializes the MZ header, PE header, section table, and every
// non-empty section's raw bytes, in that order, matching
// PeRecompiler::writeOutputFile's write sequence.
func (img *Image) Write(w io.Writer) error {
	if _, err := w.Write(img.mz.write()); err != nil {
		return err
	}
	if _, err := w.Write(img.optHeader); err != nil {
		return err
	}
	if _, err := w.Write(img.sectionTable); err != nil {
		return err
	}

	pos := uint32(len(img.mz.Stub)) + uint32(len(img.optHeader)) + uint32(len(img.sectionTable))
	for _, s := range img.Sections {
		if s.RawSize == 0 {
			continue
		}
		if s.RawPointer > pos {
			if _, err := w.Write(make([]byte, s.RawPointer-pos)); err != nil {
				return err
			}
			pos = s.RawPointer
		}
		data := s.Data
		if uint32(len(data)) < s.RawSize {
			padded := make([]byte, s.RawSize)
			copy(padded, data)
			data = padded
		} else if uint32(len(data)) > s.RawSize {
			data = data[:s.RawSize]
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		pos += s.RawSize
	}
	return nil
}
