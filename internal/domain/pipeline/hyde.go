package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	applog "docchat/internal/platform/log"
	"docchat/internal/provider"
)

const (
	hydeKnowledgePrompt = `You write a short factual document that answers the user's question using only your pretrained knowledge.
Write it as a passage from a reference text, not as a conversation.`

	hydeSearchPrompt = `You receive a JSON array of web search results in the form {"title": "string", "content": "string"}.
Study the results and write one combined passage that best answers the underlying question.
You may add facts from your pretrained knowledge.`
)

// WebResult 网页搜索结果
type WebResult struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
}

// WebSearch 网页搜索能力
type WebSearch interface {
	Query(ctx context.Context, query string) ([]WebResult, error)
}

// Expansion 假设文档；Hypothetical=false 时 Text 为空
type Expansion struct {
	Text         string
	Hypothetical bool
}

// ExpanderConfig HyDE 配置
type ExpanderConfig struct {
	Model         string
	UseWebSearch  bool
	Timeout       time.Duration // 补全调用
	SearchTimeout time.Duration // 网页搜索调用
}

// Expander HyDE 生成器，失败不致命
type Expander struct {
	llm    provider.LLMProvider
	search WebSearch // 可选
	cfg    ExpanderConfig
}

// NewExpander 创建 HyDE 生成器
func NewExpander(llm provider.LLMProvider, search WebSearch, cfg ExpanderConfig) *Expander {
	return &Expander{llm: llm, search: search, cfg: cfg}
}

// Expand 生成假设文档
func (e *Expander) Expand(ctx context.Context, query string) Expansion {
	if e == nil || e.llm == nil {
		return Expansion{}
	}

	system, user := hydeKnowledgePrompt, query
	if e.cfg.UseWebSearch && e.search != nil {
		results, err := e.webSearch(ctx, query)
		if err != nil {
			applog.Warn("[Pipeline] HyDE web search failed", "error", err)
			return Expansion{}
		}
		// 搜索无结果时退回纯知识模式
		if len(results) > 0 {
			payload, err := json.Marshal(results)
			if err != nil {
				applog.Warn("[Pipeline] HyDE marshal search results failed", "error", err)
				return Expansion{}
			}
			system, user = hydeSearchPrompt, string(payload)
		}
	}

	ctx, cancel := withStageTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.llm.Complete(ctx, &provider.CompletionRequest{
		Model: e.cfg.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: user},
		},
	})
	if err != nil {
		applog.Warn("[Pipeline] HyDE generation failed", "error", err)
		return Expansion{}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		applog.Warn("[Pipeline] HyDE returned blank text")
		return Expansion{}
	}
	return Expansion{Text: text, Hypothetical: true}
}

type searchSnippet struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (e *Expander) webSearch(ctx context.Context, query string) ([]searchSnippet, error) {
	ctx, cancel := withStageTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	results, err := e.search.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]searchSnippet, 0, len(results))
	for _, r := range results {
		out = append(out, searchSnippet{Title: r.Title, Content: r.Content})
	}
	return out, nil
}

// RetrievalKey 假设文档 > 改写查询 > 原始查询
func RetrievalKey(raw string, r Refinement, e Expansion) string {
	if e.Hypothetical && e.Text != "" {
		return e.Text
	}
	if r.Refined && r.Text != "" {
		return r.Text
	}
	return raw
}
