package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Gemini streams responses from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGemini creates a Gemini provider for model.
func NewGemini(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		logger: logger.Named("gemini"),
	}, nil
}

// Stream starts a streaming generation call.
func (g *Gemini) Stream(ctx context.Context, req Request) (Segment, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	g.logger.Debug("starting stream", zap.String("model", g.model), zap.Int("messages", len(contents)))

	seg := newPipeSegment()
	go func() {
		reason := StopOther
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				seg.finish(StopOther, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if err := seg.write(text); err != nil {
					seg.finish(StopOther, err)
					return
				}
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
				reason = stopReason(resp.Candidates[0].FinishReason)
			}
		}
		g.logger.Debug("stream finished", zap.String("reason", string(reason)))
		seg.finish(reason, nil)
	}()
	return seg, nil
}

func stopReason(r genai.FinishReason) StopReason {
	switch r {
	case genai.FinishReasonStop:
		return StopNatural
	case genai.FinishReasonMaxTokens:
		return StopLength
	}
	return StopOther
}
