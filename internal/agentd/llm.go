// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tombee/flowbench/pkg/agent"
)

// LLMBackend asks an OpenAI-compatible chat model for the instruction
// set. One generation per step: the system message carries the fixed
// generation instructions, the user message carries the step prompt and
// the on-chain context.
type LLMBackend struct {
	model        llms.Model
	defaultModel string
	logger       *slog.Logger
}

// NewLLMBackend builds the model client from the service config.
func NewLLMBackend(cfg Config, logger *slog.Logger) (*LLMBackend, error) {
	var opts []openai.Option
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	return &LLMBackend{
		model:        model,
		defaultModel: cfg.Model,
		logger:       logger,
	}, nil
}

// Generate implements Backend.
func (b *LLMBackend) Generate(ctx context.Context, req *GenerateRequest) ([]agent.RawInstruction, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.GenerationPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(req.Prompt + "\n\n" + req.ContextPrompt)},
		},
	}

	var callOpts []llms.CallOption
	if req.ModelName != "" && req.ModelName != b.defaultModel {
		callOpts = append(callOpts, llms.WithModel(req.ModelName))
	}

	resp, err := b.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("model generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	content := resp.Choices[0].Content
	if content == "" {
		return nil, fmt.Errorf("model returned empty content")
	}

	b.logger.Debug("model response", slog.Int("bytes", len(content)))

	// ParseInstructions tolerates code fences and single-object shapes,
	// so imperfectly formatted model output still lands.
	instructions, err := agent.ParseInstructions([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("model output is not a valid instruction set: %w", err)
	}
	return instructions, nil
}

// Name implements Backend.
func (b *LLMBackend) Name() string {
	return "llm"
}
