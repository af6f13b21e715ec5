// Package stub stands in for the real ASLR-preselection stub builder,
// which spec section 6 explicitly treats as an external collaborator: the
// core only ever receives opaque bytes from it and writes them into the
// injected .presel section. The actual stub — the part that makes the
// Win10 attack work, picking a load base before jumping to the real entry
// point — is out of scope here; this is the same byte-patching idiom
// NHAS-stab's pkg/manualmap/shellcode.go uses (a template blob with a
// fixed immediate offset, patched at prepare time) applied to a minimal
// call/pop self-locating stub.
package stub

import "encoding/binary"

// template is a position-independent x86 stub: it locates its own runtime
// address via the classic call/pop idiom, then adds a delta patched in at
// entryPointImmOffset and jumps there. Prepare patches in the raw original
// entry-point RVA rather than a stub-relative delta, since this placeholder
// never actually resolves its own load address; a real Builder would patch
// the true (originalEP - stubRVA) offset here instead. It does not implement
// real ASLR preselection.
var template = []byte{
	0xE8, 0x00, 0x00, 0x00, 0x00, // call $+5
	0x5B, // pop ebx                 ; ebx = stub base + 5
	0x81, 0xC3, 0x00, 0x00, 0x00, 0x00, // add ebx, <delta>  ; patched
	0xFF, 0xE3, // jmp ebx
}

const entryPointImmOffset = 8

// Builder produces the shellcode blob for the Win10 attack's injected
// stub, given the original entry-point RVA. Prepare, built on the
// placeholder template above, is the only Builder in this module; the
// packer calls Prepare directly and has no way to take a different Builder.
type Builder func(originalEntryPointRVA uint32) ([]byte, error)

// Prepare is the default Builder.
func Prepare(originalEntryPointRVA uint32) ([]byte, error) {
	code := make([]byte, len(template))
	copy(code, template)
	binary.LittleEndian.PutUint32(code[entryPointImmOffset:], originalEntryPointRVA)
	return code, nil
}
