package rag

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Chunker 文档分块器
type Chunker struct {
	chunkSize int // 每块最大字符数
	overlap   int // 块间重叠字符数
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// Chunk 将加载结果切分为 ChunkDocument。字幕 cue 保持一条一块。
func (c *Chunker) Chunk(req *IndexRequest) ([]ChunkDocument, error) {
	src := req.Source
	if src == nil || len(src.Segments) == 0 {
		return nil, fmt.Errorf("source has no segments")
	}

	docID := req.DocID
	if docID == "" {
		docID = uuid.New().String()
	}
	now := time.Now()

	var docs []ChunkDocument
	for _, seg := range src.Segments {
		var pieces []string
		if src.Kind == SourceSubtitle {
			if t := strings.TrimSpace(seg.Text); t != "" {
				pieces = []string{t}
			}
		} else {
			pieces = c.mergeParagraphs(splitParagraphs(seg.Text))
		}

		for _, piece := range pieces {
			docs = append(docs, ChunkDocument{
				ChunkID:    uuid.New().String(),
				DocID:      docID,
				OwnerID:    req.OwnerID,
				SourceKind: src.Kind,
				Source:     src.Source,
				Ext:        src.Ext,
				Title:      src.Title,
				Content:    piece,
				Page:       seg.Page,
				Metadata:   mergeMetadata(src.Metadata, seg.Metadata),
				UploadedAt: now,
			})
		}
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("no text content in source %s", src.Source)
	}
	return docs, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// splitParagraphs 按换行分段
func splitParagraphs(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var parts []string
	for _, p := range strings.Split(text, "\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// mergeParagraphs 将段落合并为不超过 chunkSize 的块，带 overlap
func (c *Chunker) mergeParagraphs(paragraphs []string) []string {
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	for _, para := range paragraphs {
		paraLen := utf8.RuneCountInString(para)

		if paraLen > c.chunkSize {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, c.hardSplit(para)...)
			continue
		}

		if current.Len() > 0 && utf8.RuneCountInString(current.String())+paraLen+1 > c.chunkSize {
			prev := current.String()
			chunks = append(chunks, prev)
			current.Reset()
			if tail := overlapTail(prev, c.overlap); tail != "" {
				current.WriteString(tail)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// hardSplit 超长段落按字符硬切
func (c *Chunker) hardSplit(para string) []string {
	var out []string
	runes := []rune(para)
	for i := 0; i < len(runes); i += c.chunkSize - c.overlap {
		end := i + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
		if end >= len(runes) {
			break
		}
	}
	return out
}

func overlapTail(prev string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	runes := []rune(prev)
	if len(runes) <= overlap {
		return ""
	}
	return string(runes[len(runes)-overlap:])
}
