package wire

import "strings"

// Content block kinds seen on the messages wire. The set is open: anything
// else is carried verbatim and rendered with the generic fallback.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockCompaction = "compaction"
)

// Block is a tagged view over one raw content block. Raw is nil for bare
// string blocks (some clients send plain strings inside content lists).
type Block struct {
	Kind string
	Text string // set for bare string blocks
	Raw  Obj
}

// ParseBlock classifies one entry of a content list.
func ParseBlock(v any) (Block, bool) {
	switch b := v.(type) {
	case string:
		return Block{Kind: BlockText, Text: b}, true
	default:
		o, ok := AsObj(v)
		if !ok {
			return Block{}, false
		}
		return Block{Kind: o.StrOr("type", "unknown"), Raw: o}, true
	}
}

// ContentBlocks returns a message's content as a block list. String content
// yields a single text block.
func ContentBlocks(msg Obj) []Block {
	if s, ok := msg.Str("content"); ok {
		return []Block{{Kind: BlockText, Text: s}}
	}
	raw, ok := msg.List("content")
	if !ok {
		return nil
	}
	blocks := make([]Block, 0, len(raw))
	for _, v := range raw {
		if b, ok := ParseBlock(v); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// TextOf returns the readable text of a block: the text field for text
// blocks, the summary content for compaction blocks, empty otherwise.
func (b Block) TextOf() string {
	if b.Raw == nil {
		return b.Text
	}
	switch b.Kind {
	case BlockText:
		return b.Raw.StrOr("text", "")
	case BlockCompaction:
		return b.Raw.StrOr("content", "")
	default:
		return ""
	}
}

// FlattenText joins the text blocks of a message's content with spaces.
// String content is returned verbatim.
func FlattenText(msg Obj) string {
	if s, ok := msg.Str("content"); ok {
		return s
	}
	raw, ok := msg.List("content")
	if !ok {
		return ""
	}
	var parts []string
	for _, v := range raw {
		switch b := v.(type) {
		case string:
			parts = append(parts, b)
		default:
			if o, ok := AsObj(v); ok && o.StrOr("type", "") == BlockText {
				parts = append(parts, o.StrOr("text", ""))
			}
		}
	}
	return strings.Join(parts, " ")
}
