package recompiler

import (
	"os"

	"github.com/scatterfault/pereloc/internal/peimage"
	"github.com/scatterfault/pereloc/internal/relocdir"
	"github.com/scatterfault/pereloc/internal/stub"
)

const (
	pageSpan = relocdir.MaxBlockSpan

	relocSectionName  = ".reloc"
	preselSectionName = ".presel"

	relocCharacteristics = 0x40000040 // CNT_INITIALIZED_DATA | MEM_READ

	// preselCharacteristics matches spec's end-to-end scenario 5 exactly:
	// EXECUTE | READ | WRITE | INITIALIZED_DATA | CODE.
	preselCharacteristics = 0x20000000 | 0x40000000 | 0x80000000 | 0x00000040 | 0x00000020
)

func alignUp(v, align uint32) uint32 {
	if rem := v % align; rem != 0 {
		return v + (align - rem)
	}
	return v
}

// pack is the packing half of the Packer/Emitter (spec 4.5): it walks the
// Rewrite Queue in forward (insertion) order, decrementing each target word
// by Δ_pack and packing its now-obfuscated site into a relocation block.
// Every Rewrite Block unconditionally opens its own new Packed Block at
// beginRVA equal to its own literal first (rva, offset) site — never a
// page-rounded address, and never merged with a preceding, unrelated
// Rewrite Block's entries even if they happen to share a 4096-byte page.
// A Rewrite Block whose own span crosses a chunk boundary splits into
// further Packed Blocks mid-iteration. Every newly opened Packed Block is
// pushed to the FRONT of the output list, so the most recently opened one
// is always index 0 — the push-front emission order spec 4.5 calls for,
// inverse to the forward order the queue itself was built in.
func (c *Controller) pack() *relocdir.Directory {
	delta := realBase - c.img.ImageBase()

	var blocks []relocdir.Block

	for _, b := range c.queue.Blocks() {
		rva, ok := b.Next()
		if !ok {
			continue
		}
		blocks = append([]relocdir.Block{{BeginRVA: rva}}, blocks...)

		for {
			b.Decrement(delta)

			offset := rva - blocks[0].BeginRVA
			if offset >= pageSpan {
				blocks = append([]relocdir.Block{{BeginRVA: rva}}, blocks...)
				offset = 0
			}
			blocks[0].Entries = append(blocks[0].Entries, relocdir.Entry{
				Type:   relocdir.TypeHighLow,
				Offset: uint16(offset),
			})

			rva, ok = b.Next()
			if !ok {
				break
			}
		}
	}

	return &relocdir.Directory{Blocks: blocks}
}

// emitRelocSection writes dir's serialized bytes into the relocation
// section (reusing the original one if on-disk relocation left one behind,
// otherwise allocating a fresh one), then repoints the base-reloc data
// directory entry at it. A queue that packed zero blocks still trims a
// pre-existing reloc section down to its (empty) minimal size, matching
// PeRecompiler's unconditional "embed the new reloc table in place of the
// old one" step; only a run with nothing queued AND nothing to reuse skips
// this entirely.
func (c *Controller) emitRelocSection(dir *relocdir.Directory) error {
	if len(dir.Blocks) == 0 && c.relocSection == nil {
		return nil
	}
	data := dir.Bytes()
	rawSize := alignUp(uint32(len(data)), c.img.FileAlignment())

	sec := c.relocSection
	if sec == nil {
		var err error
		sec, err = c.AllocSection(relocSectionName, rawSize, relocCharacteristics)
		if err != nil {
			return err
		}
	} else {
		c.img.ResizeSection(sec, uint32(len(data)), rawSize)
	}

	buf := make([]byte, rawSize)
	copy(buf, data)
	sec.Data = buf

	c.img.SetDataDirectory(peimage.DirBaseReloc, sec.RVA, uint32(len(data)))
	c.img.MakeValid()
	return nil
}

// injectPreselStub is the Win10-attack variant's stub injection (spec
// section 6): a new .presel section is appended holding an ASLR-preselection
// stub that chains to the original entry point, and the header's entry
// point is repointed at it.
func (c *Controller) injectPreselStub(originalEntryPointRVA uint32) error {
	code, err := stub.Prepare(originalEntryPointRVA)
	if err != nil {
		return newErr(KindStubBuildFailed, "%v", err)
	}

	rawSize := alignUp(uint32(len(code)), c.img.FileAlignment())
	sec, err := c.AllocSection(preselSectionName, rawSize, preselCharacteristics)
	if err != nil {
		return newErr(KindStubBuildFailed, "%v", err)
	}

	buf := make([]byte, rawSize)
	copy(buf, code)
	sec.Data = buf
	c.img.ResizeSection(sec, uint32(len(code)), rawSize)
	c.img.SetEntryPointRVA(sec.RVA)
	c.img.MakeValid()
	return nil
}

// WriteOutputFile is the final pipeline stage: pack and emit the queued
// rewrites into a fresh relocation directory, optionally inject the Win10
// preselection stub, and serialize the resulting image to path.
func (c *Controller) WriteOutputFile(path string) error {
	if c.queue.Len() > 0 && !c.win10 && !c.relocated {
		return newErr(KindPackerInvariantViolation, "rewrites were queued without on-disk relocation having run")
	}

	originalEntryPointRVA := c.img.EntryPointRVA()

	dir := c.pack()
	if err := c.emitRelocSection(dir); err != nil {
		return err
	}

	if c.win10 {
		if err := c.injectPreselStub(originalEntryPointRVA); err != nil {
			return err
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := c.img.Write(out); err != nil {
		return err
	}
	c.infoLog.Printf("wrote %s: %d relocation blocks, %d bytes packed", path, dir.NumberOfRelocations(), len(dir.Bytes()))
	return nil
}
