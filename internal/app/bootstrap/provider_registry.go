package bootstrap

import (
	"fmt"

	"docchat/internal/adapter/provider/llm/openai"
	"docchat/internal/platform/config"
	applog "docchat/internal/platform/log"
	"docchat/internal/provider"
)

// BuildLLMRegistry 按配置注册 LLM provider（openai / gemini OpenAI 兼容端点）
func BuildLLMRegistry(cfg *config.AppConfig) *provider.Registry {
	reg := provider.NewRegistry()

	if cfg.OpenAI.APIKey != "" {
		p := openai.New(openai.Config{
			Name:    "openai",
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		reg.Register(p)
		applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.OpenAI.BaseURL)
	} else {
		applog.Warn("⚠️  No OPENAI_API_KEY set, openai provider disabled")
	}

	if cfg.LLM.GeminiAPIKey != "" {
		p := openai.New(openai.Config{
			Name:    "gemini",
			APIKey:  cfg.LLM.GeminiAPIKey,
			BaseURL: cfg.LLM.GeminiBaseURL,
		})
		reg.Register(p)
		applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.LLM.GeminiBaseURL)
	}

	return reg
}

// StageLLMs 各阶段使用的 provider
type StageLLMs struct {
	Chat   provider.LLMProvider
	Refine provider.LLMProvider
	HyDE   provider.LLMProvider
}

// ResolveStageLLMs 按配置从注册表取出各阶段 provider；chat 必须可用
func ResolveStageLLMs(reg *provider.Registry, llm config.LLMConfig) (StageLLMs, error) {
	var out StageLLMs
	chat, err := reg.Get(llm.ChatProvider)
	if err != nil {
		return out, fmt.Errorf("chat provider: %w", err)
	}
	out.Chat = chat

	out.Refine = lookupOr(reg, llm.RefineProvider, chat, "refine")
	out.HyDE = lookupOr(reg, llm.HyDEProvider, chat, "hyde")
	return out, nil
}

func lookupOr(reg *provider.Registry, name string, fallback provider.LLMProvider, stage string) provider.LLMProvider {
	p, err := reg.Get(name)
	if err != nil {
		applog.Warn("⚠️  Stage provider not registered, using chat provider",
			"stage", stage,
			"provider", name,
		)
		return fallback
	}
	return p
}
