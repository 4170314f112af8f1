package pipeline

import (
	"context"
	"strings"
	"time"

	applog "docchat/internal/platform/log"
	"docchat/internal/provider"
)

const refinePrompt = `You rewrite user questions so a language model understands them better.
Fix typos, spelling and ambiguity. Keep the user's intent and language.
Never answer the question and never add new questions. Reply with the rewritten question only.

Example:
User: How do debug nde.js
Assistant: How do i debug in Node.js`

// Refinement 改写结果；Refined=false 时 Text 为原始查询
type Refinement struct {
	Text    string
	Refined bool
}

// Refiner 查询改写，失败不致命
type Refiner struct {
	llm     provider.LLMProvider
	model   string
	timeout time.Duration
}

// NewRefiner 创建查询改写器；llm 为 nil 时总是透传原查询
func NewRefiner(llm provider.LLMProvider, model string, timeout time.Duration) *Refiner {
	return &Refiner{llm: llm, model: model, timeout: timeout}
}

// Refine 改写查询；任何失败都退回原查询
func (r *Refiner) Refine(ctx context.Context, query string) Refinement {
	fallback := Refinement{Text: query}
	if r == nil || r.llm == nil {
		return fallback
	}

	ctx, cancel := withStageTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.llm.Complete(ctx, &provider.CompletionRequest{
		Model: r.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: refinePrompt},
			{Role: provider.RoleUser, Content: query},
		},
	})
	if err != nil {
		applog.Warn("[Pipeline] Query refinement failed, using raw query", "error", err)
		return fallback
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		applog.Warn("[Pipeline] Query refinement returned blank text, using raw query")
		return fallback
	}
	return Refinement{Text: text, Refined: true}
}
