package peimage

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	dosHeaderSize  = 0x40
	testSecAlign   = 0x1000
	testFileAlign  = 0x200
)

type testSection struct {
	name            string
	rva             uint32
	virtualSize     uint32
	data            []byte
	characteristics uint32
}

func buildPE32(t *testing.T, imageBase, entryRVA uint32, dynamicBase bool, sections []testSection) []byte {
	t.Helper()

	numSections := uint16(len(sections))
	headerSize := dosHeaderSize + peSignatureSize + fileHeaderSize + 224 + int(numSections)*sectionHeaderSize
	sizeOfHeaders := alignUp(uint32(headerSize), testFileAlign)

	rawPointer := sizeOfHeaders
	rawOffsets := make([]uint32, len(sections))
	rawSizes := make([]uint32, len(sections))
	for i, s := range sections {
		rawSizes[i] = alignUp(uint32(len(s.data)), testFileAlign)
		rawOffsets[i] = rawPointer
		rawPointer += rawSizes[i]
	}

	raw := make([]byte, rawPointer)
	raw[0], raw[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(raw[e_lfanewOffset:], dosHeaderSize)
	copy(raw[dosHeaderSize:], []byte{'P', 'E', 0, 0})

	fh := dosHeaderSize + peSignatureSize
	binary.LittleEndian.PutUint16(raw[fh:], 0x14c) // IMAGE_FILE_MACHINE_I386
	binary.LittleEndian.PutUint16(raw[fh+2:], numSections)
	binary.LittleEndian.PutUint16(raw[fh+16:], 224)

	oh := fh + fileHeaderSize
	binary.LittleEndian.PutUint16(raw[oh+ohMagicOffset:], magicPE32)
	binary.LittleEndian.PutUint32(raw[oh+ohEntryPointOffset:], entryRVA)
	binary.LittleEndian.PutUint32(raw[oh+ohImageBaseOffset:], imageBase)
	binary.LittleEndian.PutUint32(raw[oh+ohSectionAlignmentOffset:], testSecAlign)
	binary.LittleEndian.PutUint32(raw[oh+ohFileAlignmentOffset:], testFileAlign)
	binary.LittleEndian.PutUint32(raw[oh+ohSizeOfHeadersOffset:], sizeOfHeaders)
	var dllChar uint16
	if dynamicBase {
		dllChar = dynamicBaseFlag
	}
	binary.LittleEndian.PutUint16(raw[oh+ohDllCharacteristicsOffset:], dllChar)

	for i, s := range sections {
		entryOff := oh + 224 + i*sectionHeaderSize
		var nameBytes [8]byte
		copy(nameBytes[:], s.name)
		copy(raw[entryOff:], nameBytes[:])
		binary.LittleEndian.PutUint32(raw[entryOff+8:], s.virtualSize)
		binary.LittleEndian.PutUint32(raw[entryOff+12:], s.rva)
		binary.LittleEndian.PutUint32(raw[entryOff+16:], rawSizes[i])
		binary.LittleEndian.PutUint32(raw[entryOff+20:], rawOffsets[i])
		binary.LittleEndian.PutUint32(raw[entryOff+36:], s.characteristics)

		copy(raw[rawOffsets[i]:], s.data)

		if s.name == ".reloc" {
			ddOff := oh + ohDataDirectoryOffset + DirBaseReloc*dataDirectoryEntrySize
			binary.LittleEndian.PutUint32(raw[ddOff:], s.rva)
			binary.LittleEndian.PutUint32(raw[ddOff+4:], uint32(len(s.data)))
		}
	}

	return raw
}

func TestLoadBytesRoundTrip(t *testing.T) {
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw := buildPE32(t, 0x00400000, 0x1100, true, []testSection{
		{name: ".text", rva: 0x1000, virtualSize: 4, data: want, characteristics: 0x60000020},
	})

	img, err := LoadBytes(raw)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if img.ImageBase() != 0x00400000 {
		t.Errorf("ImageBase = 0x%x, want 0x00400000", img.ImageBase())
	}
	if !img.HasDynamicBase() {
		t.Errorf("HasDynamicBase = false, want true")
	}
	if img.EntryPointRVA() != 0x1100 {
		t.Errorf("EntryPointRVA = 0x%x, want 0x1100", img.EntryPointRVA())
	}

	// Section data spans the whole raw (file-aligned) range: the four
	// written bytes followed by zero padding.
	wantRaw := make([]byte, testFileAlign)
	copy(wantRaw, want)

	sec := img.SectionByName(".text")
	if sec == nil {
		t.Fatalf(".text section not found")
	}
	if !bytes.Equal(sec.Data, wantRaw) {
		t.Errorf(".text data = %x, want %x", sec.Data, wantRaw)
	}

	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	img2, err := LoadBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("reloading written image: %v", err)
	}
	if img2.ImageBase() != img.ImageBase() || img2.EntryPointRVA() != img.EntryPointRVA() {
		t.Errorf("written image does not round-trip header fields")
	}
	sec2 := img2.SectionByName(".text")
	if sec2 == nil || !bytes.Equal(sec2.Data, wantRaw) {
		t.Errorf("written image does not round-trip .text data")
	}
}

func TestSectionByRVA(t *testing.T) {
	raw := buildPE32(t, 0x00400000, 0x1000, true, []testSection{
		{name: ".text", rva: 0x1000, virtualSize: 8, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, characteristics: 0x60000020},
	})
	img, err := LoadBytes(raw)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if sec := img.SectionByRVA(0x1000, 4); sec == nil {
		t.Errorf("SectionByRVA(0x1000, 4) = nil, want .text")
	}
	// The section's raw range is [0x1000, 0x1200): 8 bytes of data padded to
	// the 0x200 file alignment.
	if sec := img.SectionByRVA(0x11FC, 8); sec != nil {
		t.Errorf("SectionByRVA(0x11FC, 8) = %v, want nil (overruns section)", sec.Name)
	}
	if sec := img.SectionByRVA(0, 4); sec != nil {
		t.Errorf("SectionByRVA(0, 4) = %v, want nil", sec.Name)
	}
}

func TestAddSection(t *testing.T) {
	raw := buildPE32(t, 0x00400000, 0x1000, true, []testSection{
		{name: ".text", rva: 0x1000, virtualSize: 4, data: []byte{1, 2, 3, 4}, characteristics: 0x60000020},
	})
	img, err := LoadBytes(raw)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	before := img.SizeOfImage()
	sec, err := img.AddSection(".presel", 0x200, 0xE0000060)
	if err != nil {
		t.Fatalf("AddSection: %v", err)
	}
	if sec.RVA <= 0x1000 {
		t.Errorf("new section RVA 0x%x should be above existing sections", sec.RVA)
	}
	if img.SizeOfImage() <= before {
		t.Errorf("SizeOfImage did not grow after AddSection")
	}
	if got := img.SectionByName(".presel"); got == nil {
		t.Errorf("SectionByName(%q) = nil after AddSection", ".presel")
	}
}

func TestBadHeaderRejected(t *testing.T) {
	if _, err := LoadBytes([]byte("not a PE file")); err == nil {
		t.Errorf("LoadBytes on garbage input: want error, got nil")
	}
}
