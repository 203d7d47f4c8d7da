package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContent(t *testing.T) {
	// Plain text passes through untouched.
	assert.Equal(t, "hello", NormalizeContent("hello"))
	assert.Equal(t, "[not json", NormalizeContent("[not json"))

	// Block arrays are re-encoded compactly.
	raw := `[ {"type": "text", "text": "hi"} ]`
	assert.Equal(t, `[{"type":"text","text":"hi"}]`, NormalizeContent(raw))

	// Arrays with unknown block types are treated as opaque text.
	odd := `[{"type":"video","text":"x"}]`
	assert.Equal(t, odd, NormalizeContent(odd))
}

func TestContentBlocks(t *testing.T) {
	blocks := ContentBlocks("plain")
	assert.Equal(t, []ContentBlock{{Type: "text", Text: "plain"}}, blocks)

	blocks = ContentBlocks(`[{"type":"text","text":"a"},{"type":"image","data":"AAAA","mimeType":"image/png"}]`)
	assert.Len(t, blocks, 2)
	assert.Equal(t, "image/png", blocks[1].MimeType)
}

func TestContentText(t *testing.T) {
	assert.Equal(t, "plain", ContentText("plain"))

	mixed := `[{"type":"text","text":"see this"},{"type":"image","data":"AAAA","mimeType":"image/png"}]`
	assert.Equal(t, "see this\n[image image/png]", ContentText(mixed))
}

func TestThreadStatus(t *testing.T) {
	assert.True(t, ThreadStatusDiscuss.Valid())
	assert.True(t, ThreadStatusArchived.Valid())
	assert.False(t, ThreadStatus("bogus").Valid())

	assert.True(t, ThreadStatusClosed.Terminal())
	assert.True(t, ThreadStatusArchived.Terminal())
	assert.False(t, ThreadStatusDone.Terminal())

	assert.True(t, ThreadStatusDone.Settable())
	assert.False(t, ThreadStatusClosed.Settable())
	assert.False(t, ThreadStatusArchived.Settable())
}
