package recompiler

import (
	"encoding/binary"
	"fmt"

	"github.com/scatterfault/pereloc/internal/peimage"
	"github.com/scatterfault/pereloc/internal/relocdir"
)

func readLE32(data []byte, off uint32) uint32 {
	return binary.LittleEndian.Uint32(data[off:])
}

func writeLE32(data []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(data[off:], v)
}

// PerformOnDiskRelocations is the On-Disk Relocator (spec 4.2). It replays
// the image's existing base relocations against its own raw bytes — as if
// the loader had already relocated it from its declared base to realBase —
// then declares trickyBase (a base the loader can never actually honor)
// and empties the relocation directory, so the loader applies no further
// fixups of its own. Default mode also clears the ASLR flag; Win10 mode
// leaves both untouched (setting the flag if it was somehow absent, per
// spec design note 8 — OR, not AND, so no other characteristic bit is
// disturbed).
func (c *Controller) PerformOnDiskRelocations() error {
	if c.img == nil || c.img.Sections == nil {
		return newErr(KindBadHeader, "sections not loaded")
	}
	if !c.win10 && !c.img.HasDynamicBase() {
		return ErrAslrRequired
	}

	relocRVA, relocSize := c.img.DataDirectory(peimage.DirBaseReloc)
	var dir *relocdir.Directory
	if relocRVA == 0 {
		if !c.win10 {
			return newErr(KindUnsupportedLayout, "no base relocation directory present")
		}
		dir = &relocdir.Directory{}
	} else {
		sec := c.relocSection
		if sec == nil {
			sec = c.img.SectionByRVA(relocRVA, relocSize)
		}
		if sec == nil {
			sec = c.img.SectionStartingAt(relocRVA)
		}
		if sec == nil {
			return newErr(KindOrphanReloc, "base relocation directory at RVA 0x%x/size 0x%x is not backed by any section", relocRVA, relocSize)
		}
		if relocSize == 0 {
			dir = &relocdir.Directory{}
		} else {
			off := relocRVA - sec.RVA
			if off+relocSize > uint32(len(sec.Data)) {
				return fmt.Errorf("base relocation directory overruns section %q", sec.Name)
			}
			parsed, err := relocdir.Parse(sec.Data[off : off+relocSize])
			if err != nil {
				return fmt.Errorf("parsing existing relocation directory: %w", err)
			}
			dir = parsed
		}
		c.relocSection = sec
	}

	delta := realBase - c.img.ImageBase()
	for _, block := range dir.Blocks {
		for _, e := range block.Entries {
			if e.Type == relocdir.TypeAbsolute {
				continue
			}
			if e.Type != relocdir.TypeHighLow {
				return newErr(KindUnknownRelocType, "0x%x", e.Type)
			}
			rva := block.BeginRVA + uint32(e.Offset)
			sec := c.img.SectionByRVA(rva, 4)
			if sec == nil {
				return newErr(KindOrphanReloc, "relocation target RVA 0x%x is not backed by any section", rva)
			}
			local := rva - sec.RVA
			writeLE32(sec.Data, local, readLE32(sec.Data, local)+delta)
		}
	}

	if c.win10 {
		c.img.SetDynamicBase(true)
	} else {
		c.img.SetDynamicBase(false)
		c.img.SetImageBase(trickyBase)
		c.img.SetDataDirectory(peimage.DirBaseReloc, 0, 0)
	}

	c.relocDir = &relocdir.Directory{}
	c.relocated = true
	c.infoLog.Printf("on-disk relocation complete: delta=0x%x, image base now 0x%x", delta, c.img.ImageBase())
	return nil
}
