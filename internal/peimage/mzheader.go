package peimage

import (
	"encoding/binary"
	"fmt"
)

// e_lfanewOffset is the fixed DOS-header offset of the pointer to the PE
// header; every MZ-stamped image carries it at this position regardless of
// DOS stub length.
const e_lfanewOffset = 0x3C

// MzHeader is the minimal slice of the DOS header the rewriter needs: just
// enough to locate the PE header. The DOS stub itself (whatever program the
// linker embedded for "this program cannot be run in DOS mode") is carried
// verbatim in Stub and never interpreted.
type MzHeader struct {
	Stub             []byte
	AddressOfPeHeader uint32
}

// readMzHeader parses the DOS header out of a whole-file byte buffer.
func readMzHeader(raw []byte) (MzHeader, error) {
	if len(raw) < e_lfanewOffset+4 {
		return MzHeader{}, fmt.Errorf("%w: file too small for DOS header", ErrBadHeader)
	}
	if raw[0] != 'M' || raw[1] != 'Z' {
		return MzHeader{}, fmt.Errorf("%w: missing MZ signature", ErrBadHeader)
	}

	lfanew := binary.LittleEndian.Uint32(raw[e_lfanewOffset:])
	if uint64(lfanew)+4 > uint64(len(raw)) {
		return MzHeader{}, fmt.Errorf("%w: e_lfanew points outside file", ErrBadHeader)
	}

	stub := make([]byte, lfanew)
	copy(stub, raw[:lfanew])

	return MzHeader{Stub: stub, AddressOfPeHeader: lfanew}, nil
}

// write serializes the DOS stub, patching e_lfanew so it still points at
// wherever the PE header ends up (today that's always unchanged, but the
// patch keeps the header self-consistent if the stub is ever resized).
func (h MzHeader) write() []byte {
	out := make([]byte, len(h.Stub))
	copy(out, h.Stub)
	if len(out) >= e_lfanewOffset+4 {
		binary.LittleEndian.PutUint32(out[e_lfanewOffset:], h.AddressOfPeHeader)
	}
	return out
}
