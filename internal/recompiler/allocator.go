package recompiler

import "github.com/scatterfault/pereloc/internal/peimage"

// pool is the Section Allocator's reuse pool (spec 4.6): sections the
// rewriter has marked free for repurposing, e.g. padding sections some
// compilers leave behind. Nothing in this pipeline ever frees a section
// back into it, so it stays empty in the canonical configuration — see
// DESIGN.md's note on this open question. The path is kept (not deleted)
// so a future caller that does free sections gets reuse for free.
type pool struct {
	free []*peimage.Section
}

func (p *pool) take(minSize uint32) *peimage.Section {
	for i, s := range p.free {
		if s.RawSize >= minSize {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return s
		}
	}
	return nil
}

// AllocSection is alloc_section(name, size, access) from spec 4.6: reuse a
// pooled section if one is large enough, or repurpose the image's final
// section in place if it already carries the requested name (the
// relocation section being regenerated at a new size, most commonly),
// otherwise append a brand-new section via the Image's section table.
//
// The final-section reuse path is deliberately narrowed to a same-name
// resize: reusing an arbitrary unrelated final section (say, an existing
// .text) for a differently-purposed allocation like the Win10 stub would
// silently destroy real code, which the pooled-free-list path never risks
// since nothing is ever freed into the pool unintentionally.
func (c *Controller) AllocSection(name string, size uint32, characteristics uint32) (*peimage.Section, error) {
	if sec := c.pool.take(size); sec != nil {
		if err := c.img.RenameSection(sec, name); err != nil {
			return nil, err
		}
		c.img.ResizeSection(sec, size, size)
		c.img.SetSectionCharacteristics(sec, characteristics)
		return sec, nil
	}

	if n := len(c.img.Sections); n > 0 {
		last := c.img.Sections[n-1]
		if last.Name == name {
			c.img.ResizeSection(last, size, size)
			c.img.SetSectionCharacteristics(last, characteristics)
			return last, nil
		}
	}

	return c.img.AddSection(name, size, characteristics)
}
