package bootstrap

import (
	"testing"

	"docchat/internal/platform/config"
)

func TestBuildLLMRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.LLM.GeminiAPIKey = "g-test"
	cfg.LLM.HyDEProvider = "gemini"
	cfg.LLM.RefineProvider = "missing"

	reg := BuildLLMRegistry(cfg)
	if got := reg.List(); len(got) != 2 || got[0] != "gemini" || got[1] != "openai" {
		t.Fatalf("providers = %v", got)
	}

	llms, err := ResolveStageLLMs(reg, cfg.LLM)
	if err != nil {
		t.Fatalf("ResolveStageLLMs: %v", err)
	}
	if llms.Chat.Name() != "openai" || llms.HyDE.Name() != "gemini" || llms.Refine.Name() != "openai" {
		t.Errorf("stage providers = %s/%s/%s", llms.Chat.Name(), llms.Refine.Name(), llms.HyDE.Name())
	}
}

func TestResolveStageLLMsRequiresChat(t *testing.T) {
	cfg := config.Default()
	reg := BuildLLMRegistry(cfg)
	if _, err := ResolveStageLLMs(reg, cfg.LLM); err == nil {
		t.Fatal("expected error without chat provider")
	}
}
