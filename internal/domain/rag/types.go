package rag

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// SourceKind 语料来源类型（封闭集合）
type SourceKind string

const (
	SourceFile     SourceKind = "FILE"
	SourceWebsite  SourceKind = "WEBSITE"
	SourceYouTube  SourceKind = "YOUTUBE"
	SourceSubtitle SourceKind = "SUBTITLE"
)

// AllSourceKinds 全部来源类型，新增类型时必须同步 Assemble 的分发
var AllSourceKinds = []SourceKind{SourceFile, SourceWebsite, SourceYouTube, SourceSubtitle}

// ParseSourceKind 解析来源类型，兼容旧数据中的 YOUTUBE_TRANSCRIPT
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FILE":
		return SourceFile, nil
	case "WEBSITE":
		return SourceWebsite, nil
	case "YOUTUBE", "YOUTUBE_TRANSCRIPT":
		return SourceYouTube, nil
	case "SUBTITLE":
		return SourceSubtitle, nil
	}
	return "", fmt.Errorf("unknown source kind: %q", s)
}

// IsWeb 网页类来源（website / youtube）走单独的上传额度
func (k SourceKind) IsWeb() bool {
	return k == SourceWebsite || k == SourceYouTube
}

// RetrievalFilter 检索范围过滤，nil 表示全库检索
type RetrievalFilter struct {
	SourceID   string     `json:"sourceId,omitempty"`
	SourceKind SourceKind `json:"sourceKind,omitempty"`
	Extension  string     `json:"extension,omitempty"`
}

// IsZero 所有字段均为空
func (f *RetrievalFilter) IsZero() bool {
	return f == nil || (f.SourceID == "" && f.SourceKind == "" && f.Extension == "")
}

func (f *RetrievalFilter) String() string {
	if f.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("source=%s kind=%s ext=%s", f.SourceID, f.SourceKind, f.Extension)
}

// PositionHint 来源相关的位置信息
type PositionHint struct {
	Page   int               `json:"page,omitempty"`   // FILE，从 1 开始，0 表示未知
	Timing map[string]string `json:"timing,omitempty"` // SUBTITLE 原始 cue 元数据（from/to/id），原样透传
}

// RetrievedChunk 向量检索返回的只读片段
type RetrievedChunk struct {
	Text       string       `json:"text"`
	SourceKind SourceKind   `json:"sourceKind"`
	SourceID   string       `json:"sourceId"`
	Title      string       `json:"title,omitempty"`
	Position   PositionHint `json:"position"`
	Score      float64      `json:"score,omitempty"`
}

// ChunkDocument 入库的分块
type ChunkDocument struct {
	ChunkID    string            `json:"chunk_id"`
	DocID      string            `json:"doc_id"`
	OwnerID    string            `json:"owner_id"`
	SourceKind SourceKind        `json:"type"`
	Source     string            `json:"source"`
	Ext        string            `json:"ext,omitempty"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content"`
	Page       int               `json:"page,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float32         `json:"vector,omitempty"`
	UploadedAt time.Time         `json:"uploaded_at"`
}

// SourceRef 待入库的来源
type SourceRef struct {
	Kind   SourceKind
	Name   string    // 文件名或 URL
	Reader io.Reader // 文件类来源的内容；网页类为 nil
}

// Segment 加载后的文本段
type Segment struct {
	Text     string
	Page     int
	Metadata map[string]string
}

// LoadedSource DocumentLoader 的输出
type LoadedSource struct {
	Kind     SourceKind
	Source   string
	Ext      string
	Title    string
	Segments []Segment
	Metadata map[string]string
}

// IndexRequest 入库请求
type IndexRequest struct {
	DocID   string
	OwnerID string
	Source  *LoadedSource
}

// IndexResult 入库结果
type IndexResult struct {
	DocID      string `json:"doc_id"`
	ChunkCount int    `json:"chunk_count"`
}

// Retrieved 把入库分块转换为检索结果，字幕保留 from/to/id 时间信息
func (d ChunkDocument) Retrieved(score float64) RetrievedChunk {
	rc := RetrievedChunk{
		Text:       d.Content,
		SourceKind: d.SourceKind,
		SourceID:   d.Source,
		Title:      d.Title,
		Score:      score,
	}
	switch d.SourceKind {
	case SourceFile:
		rc.Position.Page = d.Page
	case SourceSubtitle:
		timing := make(map[string]string, 3)
		for _, k := range []string{"from", "to", "id"} {
			if v, ok := d.Metadata[k]; ok {
				timing[k] = v
			}
		}
		if len(timing) > 0 {
			rc.Position.Timing = timing
		}
	}
	return rc
}
