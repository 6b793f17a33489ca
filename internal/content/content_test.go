// ABOUTME: Tests for stage mapping, the LLM generator prompt shape, and the humanizer
// ABOUTME: Uses a fake langchaingo model and a seeded random source

package content

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestStageFor(t *testing.T) {
	tests := []struct {
		count int
		want  Stage
	}{
		{0, StageOpening},
		{2, StageOpening},
		{3, StageWarming},
		{9, StageWarming},
		{10, StageEngaged},
		{250, StageEngaged},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StageFor(tt.count), "count=%d", tt.count)
	}
}

// fakeModel records the last call and returns a canned completion.
type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, o := range options {
		o(&m.opts)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func textOf(t *testing.T, mc llms.MessageContent) string {
	t.Helper()
	require.Len(t, mc.Parts, 1)
	part, ok := mc.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestLLMGenerator_Reply(t *testing.T) {
	model := &fakeModel{reply: `Mia: "sounds fun, where?"`}
	g := NewLLMGenerator(model, LLMConfig{MaxTokens: 80, Temperature: 0.9})

	text, err := g.Generate(t.Context(), Request{
		Persona: Persona{ID: "p1", DisplayName: "Mia", Bio: "likes hiking"},
		History: []Line{
			{FromPersona: true, Body: "hey there"},
			{FromPersona: false, Body: "want to grab coffee?"},
		},
		Stage:   StageOpening,
		Purpose: PurposeReply,
	})
	require.NoError(t, err)
	assert.Equal(t, "sounds fun, where?", text)

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	sys := textOf(t, model.messages[0])
	assert.Contains(t, sys, "You are Mia")
	assert.Contains(t, sys, "likes hiking")
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[2].Role)
	assert.Equal(t, "want to grab coffee?", textOf(t, model.messages[2]))
	assert.Equal(t, 80, model.opts.MaxTokens)
	assert.InDelta(t, 0.9, model.opts.Temperature, 1e-9)
}

func TestLLMGenerator_NudgeAddsInstruction(t *testing.T) {
	model := &fakeModel{reply: "still around?"}
	g := NewLLMGenerator(model, LLMConfig{})

	_, err := g.Generate(t.Context(), Request{
		Persona: Persona{ID: "p1"},
		History: []Line{{FromPersona: true, Body: "hey"}},
		Stage:   StageOpening,
		Purpose: PurposeNudge,
		Attempt: 2,
	})
	require.NoError(t, err)

	last := model.messages[len(model.messages)-1]
	assert.Equal(t, llms.ChatMessageTypeSystem, last.Role)
	assert.Contains(t, textOf(t, last), "final")
}

func TestLLMGenerator_Error(t *testing.T) {
	g := NewLLMGenerator(&fakeModel{err: errors.New("rate limited")}, LLMConfig{Timeout: time.Second})
	_, err := g.Generate(t.Context(), Request{Purpose: PurposeReply})
	assert.ErrorContains(t, err, "rate limited")
}

func TestNone(t *testing.T) {
	_, err := None{}.Generate(t.Context(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHumanizer_AlwaysRules(t *testing.T) {
	h := NewHumanizer(HumanizerConfig{LowercaseRate: 1, SlangRate: 1, DropPeriod: 1}, rand.New(rand.NewPCG(1, 2)))

	got := h.Humanize("Are you free tonight? Thanks, really.")
	assert.Equal(t, "r u free tonite? Thx, rly", got)

	// the pronoun I stays capitalized
	assert.Equal(t, "I think so", h.Humanize("I think so."))
	assert.Equal(t, "", h.Humanize(""))
}

func TestHumanizer_NeverRules(t *testing.T) {
	h := NewHumanizer(HumanizerConfig{}, rand.New(rand.NewPCG(1, 2)))
	in := "Are you free tonight? Thanks, really."
	assert.Equal(t, in, h.Humanize(in))
}

func TestHumanizer_TypoKeepsLetters(t *testing.T) {
	h := NewHumanizer(HumanizerConfig{TypoRate: 1}, rand.New(rand.NewPCG(7, 7)))
	in := "wonderful"
	out := h.Humanize(in)

	assert.NotEqual(t, in, out)
	assert.Len(t, out, len(in))
	assert.Equal(t, in[0], out[0], "first letter is kept")
	assert.Equal(t, sortString(in), sortString(out))
}

func TestHumanizer_Jitter(t *testing.T) {
	h := NewHumanizer(HumanizerConfig{}, rand.New(rand.NewPCG(3, 4)))
	for range 50 {
		d := h.Jitter(time.Second, 500*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, time.Second, h.Jitter(time.Second, 0))
}

func TestHumanized(t *testing.T) {
	inner := &fakeModel{reply: "Okay."}
	g := Humanized{
		Next:      NewLLMGenerator(inner, LLMConfig{}),
		Humanizer: NewHumanizer(HumanizerConfig{LowercaseRate: 1, SlangRate: 1, DropPeriod: 1}, rand.New(rand.NewPCG(1, 1))),
	}
	text, err := g.Generate(t.Context(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func sortString(s string) string {
	r := strings.Split(s, "")
	for i := range r {
		for j := i + 1; j < len(r); j++ {
			if r[j] < r[i] {
				r[i], r[j] = r[j], r[i]
			}
		}
	}
	return strings.Join(r, "")
}
