package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
	"docchat/internal/provider"
)

// DefaultChatInstructions 默认系统提示
const DefaultChatInstructions = `You are a helpful assistant that answers questions about the user's uploaded documents, websites, videos and subtitles.
Answer from the context below. When the context mentions a page number, a URL or a timestamp, cite it.
If the context does not contain the answer, say so and answer from general knowledge only when it is safe to do so.`

// Orchestrator 组装消息并调用对话模型
type Orchestrator struct {
	llm          provider.LLMProvider
	model        string
	instructions string
	timeout      time.Duration
}

// NewOrchestrator 创建对话编排器
func NewOrchestrator(llm provider.LLMProvider, model, instructions string, timeout time.Duration) *Orchestrator {
	if instructions == "" {
		instructions = DefaultChatInstructions
	}
	return &Orchestrator{llm: llm, model: model, instructions: instructions, timeout: timeout}
}

// BuildMessages system（指令 + 上下文）→ 历史 → 原始查询
func (o *Orchestrator) BuildMessages(originalQuery string, history []ChatTurn, assembled rag.AssembledContext) []provider.Message {
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{
		Role:    provider.RoleSystem,
		Content: o.instructions + "\n\n" + assembled.Text,
	})
	for _, t := range history {
		messages = append(messages, provider.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: originalQuery})
	return messages
}

// Respond 返回助手回答
func (o *Orchestrator) Respond(ctx context.Context, originalQuery string, history []ChatTurn, assembled rag.AssembledContext) (string, error) {
	if o.llm == nil {
		return "", unavailable(ErrCompletionUnavailable, "chat", errors.New("no chat provider configured"))
	}

	ctx, cancel := withStageTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.llm.Complete(ctx, &provider.CompletionRequest{
		Model:    o.model,
		Messages: o.BuildMessages(originalQuery, history, assembled),
	})
	if err != nil {
		if errors.Is(err, provider.ErrEmptyChoices) {
			return "", unavailable(ErrEmptyCompletion, "chat", err)
		}
		return "", unavailable(ErrCompletionUnavailable, "chat", err)
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", unavailable(ErrEmptyCompletion, "chat", errors.New("blank completion"))
	}

	applog.Info("[Pipeline] Chat completed",
		"model", resp.Model,
		"history_turns", len(history),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return answer, nil
}
