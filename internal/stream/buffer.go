// Package stream turns the engine's incremental event stream into whole
// content blocks and wire events.
package stream

import (
	"sort"
	"strings"
)

// ContentBlock is one complete block of assistant text
type ContentBlock struct {
	Index   int
	Content string
}

// TextBuffer accumulates text fragments per content-block index. It is owned
// by a single pipeline and is not safe for concurrent use.
type TextBuffer struct {
	fragments map[int][]string
}

// NewTextBuffer creates an empty buffer
func NewTextBuffer() *TextBuffer {
	return &TextBuffer{fragments: make(map[int][]string)}
}

// BufferDelta appends a fragment to the block at index
func (b *TextBuffer) BufferDelta(index int, text string) {
	if text == "" {
		return
	}
	b.fragments[index] = append(b.fragments[index], text)
}

// Flush assembles and clears the block at index. It reports false when
// nothing was buffered, so flushing twice never yields the block twice.
func (b *TextBuffer) Flush(index int) (ContentBlock, bool) {
	parts, ok := b.fragments[index]
	delete(b.fragments, index)
	if !ok || len(parts) == 0 {
		return ContentBlock{}, false
	}
	return ContentBlock{Index: index, Content: strings.Join(parts, "")}, true
}

// FlushAll assembles every outstanding block in ascending index order and
// clears the buffer
func (b *TextBuffer) FlushAll() []ContentBlock {
	indexes := make([]int, 0, len(b.fragments))
	for idx := range b.fragments {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var blocks []ContentBlock
	for _, idx := range indexes {
		if block, ok := b.Flush(idx); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// Len returns the number of blocks with buffered text
func (b *TextBuffer) Len() int {
	return len(b.fragments)
}
