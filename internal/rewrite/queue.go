package rewrite

// Queue is the insertion-ordered sequence of Rewrite Blocks accumulated by
// the controller (spec section 3, "Rewrite Queue"). Order matters: the
// packer walks blocks in queue order but emits packed relocation blocks in
// reverse (see package recompiler's packer.go).
type Queue struct {
	blocks    []Block
	multiPass bool
}

// SetMultiPass toggles whether Add also walks NextMultiPassBlock to
// transparently append follow-up blocks.
func (q *Queue) SetMultiPass(on bool) {
	q.multiPass = on
}

// Add appends b to the queue. If multi-pass is enabled, it also walks
// b.NextMultiPassBlock (and each block it returns) appending every
// follow-up block, so a single caller-visible Add can queue several
// related rewrites.
func (q *Queue) Add(b Block) {
	q.blocks = append(q.blocks, b)
	if !q.multiPass {
		return
	}
	cur := b
	for pass := 0; ; pass++ {
		next, ok := cur.NextMultiPassBlock(pass)
		if !ok {
			break
		}
		q.blocks = append(q.blocks, next)
		cur = next
	}
}

// Blocks returns the queue contents in insertion order.
func (q *Queue) Blocks() []Block {
	return q.blocks
}

// Len reports how many blocks (including multi-pass follow-ups) are queued.
func (q *Queue) Len() int {
	return len(q.blocks)
}
