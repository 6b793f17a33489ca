// ABOUTME: LLM-backed Generator using langchaingo chat models
// ABOUTME: Builds a persona system prompt plus history and asks for one short message

package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LLMConfig configures an LLMGenerator.
type LLMConfig struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// LLMGenerator asks a chat model for persona text.
type LLMGenerator struct {
	model       llms.Model
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// NewLLMGenerator wraps any langchaingo model.
func NewLLMGenerator(model llms.Model, cfg LLMConfig) *LLMGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 120
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMGenerator{
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger.With("component", "content"),
	}
}

// NewOpenAI builds an LLMGenerator against an OpenAI-compatible endpoint.
// An empty baseURL uses the provider default.
func NewOpenAI(baseURL, token, model string, cfg LLMConfig) (*LLMGenerator, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLLMGenerator(llm, cfg), nil
}

// Generate returns one message of persona text.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, buildMessages(req),
		llms.WithMaxTokens(g.maxTokens),
		llms.WithTemperature(g.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	text := cleanCompletion(resp.Choices[0].Content, req.Persona.DisplayName)
	g.logger.Debug("generated content",
		"persona_id", req.Persona.ID,
		"purpose", req.Purpose,
		"stage", req.Stage,
		"duration", time.Since(start),
		"chars", len(text))
	return text, nil
}

func buildMessages(req Request) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(req.History)+2)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt(req)))

	for _, line := range req.History {
		role := llms.ChatMessageTypeHuman
		if line.FromPersona {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, line.Body))
	}

	if req.Purpose == PurposeNudge {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, nudgeInstruction(req.Attempt)))
	}
	return msgs
}

func systemPrompt(req Request) string {
	var b strings.Builder
	name := req.Persona.DisplayName
	if name == "" {
		name = "the persona"
	}
	fmt.Fprintf(&b, "You are %s, chatting one-to-one on a dating app.\n", name)
	if req.Persona.Bio != "" {
		fmt.Fprintf(&b, "About you: %s\n", req.Persona.Bio)
	}
	b.WriteString("Write exactly one chat message. No quotes, no name prefix, no emoji spam.\n")

	switch req.Stage {
	case StageOpening:
		b.WriteString("You just met. Keep it light, curious and short (one sentence).\n")
	case StageWarming:
		b.WriteString("You are getting to know each other. Be warm, ask about them, one or two sentences.\n")
	case StageEngaged:
		b.WriteString("You have talked a lot. Be familiar and playful, reference earlier topics, up to three sentences.\n")
	}
	return b.String()
}

func nudgeInstruction(attempt int) string {
	if attempt >= 2 {
		return "They have been quiet for a long time. Send a final, low-pressure message that invites them back without guilt."
	}
	return "They have not replied for a while. Send a short, friendly follow-up that gives them something easy to answer."
}

// cleanCompletion strips wrapping quotes and a "Name:" speaker prefix.
func cleanCompletion(s, name string) string {
	s = strings.TrimSpace(s)
	if name != "" {
		if rest, ok := strings.CutPrefix(s, name+":"); ok {
			s = strings.TrimSpace(rest)
		}
	}
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
