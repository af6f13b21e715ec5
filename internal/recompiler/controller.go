package recompiler

import (
	"fmt"
	"log"

	"github.com/scatterfault/pereloc/internal/peimage"
	"github.com/scatterfault/pereloc/internal/relocdir"
	"github.com/scatterfault/pereloc/internal/rewrite"
)

// trickyBase and realBase are the attack's two magic constants: trickyBase
// is the bogus declared base a static analyzer sees (and that the loader
// can never honor, since it sits too close to the top of the 32-bit address
// space to leave room for the image); realBase is where the loader actually
// places the image once it gives up on trickyBase.
const (
	trickyBase = 0xFFFF0000
	realBase   = 0x00010000
)

// Controller is the single orchestration object driving one rewrite: it
// owns the loaded Image, the relocation directory state, and the Rewrite
// Queue, and gates queue operations on the readiness check from spec
// section 4.7. Mirrors PeRecompiler's role in the original tool, with the
// two-stream info/error logger constructor PeRecompiler itself takes.
type Controller struct {
	img *peimage.Image
	raw []byte

	relocDir     *relocdir.Directory
	relocSection *peimage.Section

	queue rewrite.Queue
	pool  pool

	win10     bool
	relocated bool

	infoLog *log.Logger
	errLog  *log.Logger
}

// New builds a Controller that narrates progress to infoLog and reports
// failures to errLog.
func New(infoLog, errLog *log.Logger) *Controller {
	return &Controller{infoLog: infoLog, errLog: errLog}
}

// UseWindows10Attack toggles the ASLR-preserving variant (spec section 6):
// when on, PerformOnDiskRelocations leaves ASLR enabled and the readiness
// gate is bypassed entirely.
func (c *Controller) UseWindows10Attack(on bool) {
	c.win10 = on
}

// DoMultiPass toggles whether RewriteHeader also transparently chains a
// base-address rewrite (spec section 12's doMultiPass).
func (c *Controller) DoMultiPass(on bool) {
	c.queue.SetMultiPass(on)
}

// LoadImage is load_image from spec 4.1: read the file and parse its
// header and section table, without yet loading section byte data.
func (c *Controller) LoadImage(path string) error {
	raw, err := peimage.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := peimage.ParseHeader(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	c.raw = raw
	c.img = img
	c.infoLog.Printf("loaded header: %d sections, image base 0x%x", len(img.Sections), img.ImageBase())
	return nil
}

// LoadSections is load_sections from spec 4.1: load every section's raw
// bytes, then enforce that the base-relocation section, if any, is the
// image's final section (spec's UnsupportedLayout precondition — the
// packer only ever appends to the tail of the file, so a reloc section
// buried in the middle would be clobbered).
func (c *Controller) LoadSections() error {
	if c.img == nil {
		return newErr(KindBadHeader, "no image loaded")
	}
	if err := c.img.LoadSectionData(c.raw); err != nil {
		return err
	}

	relocRVA, relocSize := c.img.DataDirectory(peimage.DirBaseReloc)
	if relocRVA != 0 {
		sec := c.img.SectionByRVA(relocRVA, relocSize)
		if sec == nil {
			sec = c.img.SectionStartingAt(relocRVA)
		}
		if sec == nil {
			return newErr(KindOrphanReloc, "base relocation directory at RVA 0x%x/size 0x%x is not backed by any section", relocRVA, relocSize)
		}
		for _, s := range c.img.Sections {
			if s.Index > sec.Index {
				return newErr(KindUnsupportedLayout, "relocation section %q must be the final section, found %q after it", sec.Name, s.Name)
			}
		}
		c.relocSection = sec
	}

	for _, s := range c.img.Sections {
		s.LogTableRow(c.infoLog.Writer())
	}
	return nil
}

// doRewriteReadyCheck is the gate every queue-side API calls (spec 4.7):
// in default mode, on-disk relocation must have already emptied the
// relocation directory and declared trickyBase; Win10 mode bypasses the
// gate entirely since it never clears ASLR or the reloc directory.
func (c *Controller) doRewriteReadyCheck() bool {
	if c.win10 {
		return true
	}
	if c.relocDir == nil || c.relocDir.NumberOfRelocations() != 0 {
		return false
	}
	return c.img.ImageBase() == trickyBase
}

func (c *Controller) queueOrFail(b rewrite.Block) error {
	if !c.doRewriteReadyCheck() {
		return ErrNotRelocated
	}
	c.queue.Add(b)
	return nil
}

// RewriteHeader queues an obfuscation of the entry-point field. Skipped
// under Win10 mode: the stub takes the entry point, so rewriting the
// original field would leave it permanently corrupted once the packer
// repoints the header at .presel instead of restoring it via a loader
// fixup.
func (c *Controller) RewriteHeader() error {
	if c.win10 {
		c.infoLog.Printf("[win10 attack] skipping header entrypoint rewrite")
		return nil
	}
	return c.queueOrFail(rewrite.NewEntryPointBlock(c.img))
}

// FixupBase queues an obfuscation of the image-base field.
func (c *Controller) FixupBase() error {
	return c.queueOrFail(rewrite.NewBaseAddressBlock(c.img))
}

// RewriteSection queues an obfuscation of an entire named section's bytes:
// its virtual size, capped at its raw size so every edit stays inside the
// section's raw data. A missing name is non-fatal: it's logged informationally and reported as
// success, matching PeRecompiler::rewriteSection.
func (c *Controller) RewriteSection(name string) error {
	if !c.doRewriteReadyCheck() {
		return ErrNotRelocated
	}
	sec := c.img.SectionByName(name)
	if sec == nil {
		c.infoLog.Printf("\tseemingly no section named %s to rewrite", name)
		return nil
	}
	size := sec.VirtualSize
	if size > sec.RawSize {
		size = sec.RawSize
	}
	c.queue.Add(rewrite.NewSectionRangeBlock(sec, 0, size))
	c.infoLog.Printf("\trewrote %s section at RVA 0x%x", name, sec.RVA)
	return nil
}

// RewriteRange queues an obfuscation of [offset, offset+length) within the
// named section.
func (c *Controller) RewriteRange(name string, offset, length uint32) error {
	sec := c.img.SectionByName(name)
	if sec == nil {
		return fmt.Errorf("no section named %q", name)
	}
	return c.queueOrFail(rewrite.NewSectionRangeBlock(sec, offset, length))
}

// RewriteMatches queues an obfuscation of every occurrence of needle across
// every section, matching PeRecompiler's substring-scrambling helper (spec
// section 4.4's rewrite_matches), found here by a plain byte-by-byte scan
// of each section's data rather than Boyer-Moore-Horspool. Each hit
// queues len(needle)+1 bytes, one past the match itself, matching the
// original's `needle.length() + 1`.
func (c *Controller) RewriteMatches(needle string) error {
	if needle == "" {
		return fmt.Errorf("empty match string")
	}
	n := []byte(needle)
	for _, sec := range c.img.Sections {
		for i := 0; i+len(n) <= len(sec.Data); i++ {
			if string(sec.Data[i:i+len(n)]) != needle {
				continue
			}
			if err := c.queueOrFail(rewrite.NewSectionRangeBlock(sec, uint32(i), uint32(len(n)+1))); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteSubsectionByRVA queues a section-range rewrite covering [rva,
// rva+size) if it's backed by a section, or logs informationally and
// succeeds if not — matching PeRecompiler::rewriteSubsectionByRVA, the
// shared helper rewriteImports uses for each of its three sub-ranges.
func (c *Controller) rewriteSubsectionByRVA(rva, size uint32, label string) error {
	sec := c.img.SectionByRVA(rva, size)
	if sec == nil {
		c.infoLog.Printf("\tseemingly no %s to rewrite", label)
		return nil
	}
	if err := c.queueOrFail(rewrite.NewSectionRangeBlock(sec, rva-sec.RVA, size)); err != nil {
		return err
	}
	c.infoLog.Printf("\trewrote %s from RVA 0x%x to 0x%x", label, rva, rva+size)
	return nil
}

// RewriteImports queues obfuscation of the Import Address Table, the
// Import Directory, and the bounding range of Hint/Name & DLL-name blobs
// the IAT entries point into (spec section 4.4's rewrite_imports), mirroring
// PeRecompiler::rewriteImports. Skipped under Win10 mode, same as
// RewriteHeader.
func (c *Controller) RewriteImports() error {
	if c.win10 {
		c.infoLog.Printf("[win10 attack] skipping import obfuscation")
		return nil
	}
	if !c.doRewriteReadyCheck() {
		return ErrNotRelocated
	}

	c.infoLog.Printf("obfuscating imports")

	iatRVA, iatSize := c.img.DataDirectory(peimage.DirIAT)
	if err := c.rewriteSubsectionByRVA(iatRVA, iatSize, "Import Address Table"); err != nil {
		return err
	}

	importRVA, importSize := c.img.DataDirectory(peimage.DirImport)
	if err := c.rewriteSubsectionByRVA(importRVA, importSize, "Import Table"); err != nil {
		return err
	}

	iatSec := c.img.SectionByRVA(iatRVA, iatSize)
	if iatSec == nil {
		return nil
	}
	iatOffset := iatRVA - iatSec.RVA

	lowestNameRVA := uint32(0xFFFFFFFF)
	var highestNameRVA uint32
	for off := iatOffset; off+4 <= iatOffset+iatSize; off += 4 {
		if off+4 > uint32(len(iatSec.Data)) {
			break
		}
		v := readLE32(iatSec.Data, off)
		if v == 0 {
			continue
		}
		if v < lowestNameRVA {
			lowestNameRVA = v
		}
		if v > highestNameRVA {
			highestNameRVA = v
		}
	}

	if err := c.rewriteSubsectionByRVA(lowestNameRVA, highestNameRVA-lowestNameRVA, "Import Hints/Names & Dll Names Table"); err != nil {
		return err
	}
	return nil
}
