package models

import (
	"encoding/json"
	"strings"
)

// ContentBlock is one element of a multimodal message payload.
// Text blocks carry Text; image blocks carry base64 Data plus MimeType.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// NormalizeContent accepts either plain text or a JSON-encoded array of
// content blocks and returns the canonical string stored in the log.
// Block arrays are re-encoded compactly so storage is deterministic.
func NormalizeContent(raw string) string {
	blocks, ok := parseBlocks(raw)
	if !ok {
		return raw
	}
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return raw
	}
	return string(encoded)
}

// ContentBlocks projects stored content into structured blocks. Plain text
// becomes a single text block.
func ContentBlocks(content string) []ContentBlock {
	if blocks, ok := parseBlocks(content); ok {
		return blocks
	}
	return []ContentBlock{{Type: "text", Text: content}}
}

// ContentText flattens stored content to display text. Image blocks are
// summarized by their mime type rather than their payload.
func ContentText(content string) string {
	blocks, ok := parseBlocks(content)
	if !ok {
		return content
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image "+b.MimeType+"]")
		}
	}
	return strings.Join(parts, "\n")
}

func parseBlocks(raw string) ([]ContentBlock, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return nil, false
	}
	if len(blocks) == 0 {
		return nil, false
	}
	for _, b := range blocks {
		if b.Type != "text" && b.Type != "image" {
			return nil, false
		}
	}
	return blocks, true
}
