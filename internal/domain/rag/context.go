package rag

import (
	"fmt"
	"sort"
	"strings"

	applog "docchat/internal/platform/log"
)

// NoContextSentinel 检索为空时放入上下文的固定文本
const NoContextSentinel = "No relevant context found in the documents."

// ChunkSeparator 片段之间的分隔符
const ChunkSeparator = "\n---\n"

// Provenance 单个片段的出处
type Provenance struct {
	Index      int          `json:"index"`
	SourceKind SourceKind   `json:"sourceKind"`
	SourceID   string       `json:"sourceId"`
	Title      string       `json:"title,omitempty"`
	Position   PositionHint `json:"position"`
}

// AssembledContext 组装好的上下文
type AssembledContext struct {
	Text       string       `json:"text"`
	Provenance []Provenance `json:"provenance,omitempty"`
	Empty      bool         `json:"empty"`
}

// Assemble 按来源类型格式化片段并拼接
func Assemble(chunks []RetrievedChunk) AssembledContext {
	if len(chunks) == 0 {
		return AssembledContext{Text: NoContextSentinel, Empty: true}
	}

	parts := make([]string, 0, len(chunks))
	prov := make([]Provenance, 0, len(chunks))
	for i, c := range chunks {
		parts = append(parts, fmt.Sprintf("Source %d %s:\n%s", i+1, header(c), c.Text))
		prov = append(prov, Provenance{
			Index:      i + 1,
			SourceKind: c.SourceKind,
			SourceID:   c.SourceID,
			Title:      c.Title,
			Position:   c.Position,
		})
	}

	return AssembledContext{
		Text:       "Context:\n" + strings.Join(parts, ChunkSeparator),
		Provenance: prov,
	}
}

// header 来源描述，每种 SourceKind 一个分支
func header(c RetrievedChunk) string {
	switch c.SourceKind {
	case SourceFile:
		if c.Position.Page > 0 {
			return fmt.Sprintf("[FILE %s, page %d]", c.SourceID, c.Position.Page)
		}
		return fmt.Sprintf("[FILE %s]", c.SourceID)
	case SourceWebsite:
		return fmt.Sprintf("[WEBSITE %s]", c.SourceID)
	case SourceYouTube:
		return fmt.Sprintf("[YOUTUBE %q %s]", c.Title, c.SourceID)
	case SourceSubtitle:
		return fmt.Sprintf("[SUBTITLE %s, %s]", c.SourceID, formatTiming(c.Position.Timing))
	default:
		applog.Warn("[RAG] Unknown source kind in context", "source_kind", c.SourceKind, "source", c.SourceID)
		return fmt.Sprintf("[%s %s]", c.SourceKind, c.SourceID)
	}
}

// formatTiming 原样输出 cue 元数据，按 key 排序保证稳定
func formatTiming(timing map[string]string) string {
	if len(timing) == 0 {
		return "timing unknown"
	}
	keys := make([]string, 0, len(timing))
	for k := range timing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+timing[k])
	}
	return strings.Join(pairs, " ")
}
