// ABOUTME: Cosmetic post-processing that makes generated text read like a phone chat
// ABOUTME: Lowercasing, slang swaps, an occasional adjacent-letter typo, and delay jitter

package content

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

var slang = map[string]string{
	"you":      "u",
	"your":     "ur",
	"are":      "r",
	"because":  "cuz",
	"okay":     "ok",
	"really":   "rly",
	"tonight":  "tonite",
	"though":   "tho",
	"probably": "prob",
	"please":   "pls",
	"thanks":   "thx",
	"tomorrow": "tmrw",
}

// HumanizerConfig sets per-message probabilities in [0,1].
type HumanizerConfig struct {
	LowercaseRate float64 // lowercase the first letter
	SlangRate     float64 // per eligible word
	TypoRate      float64 // swap two letters in one word
	DropPeriod    float64 // drop a trailing full stop
}

// DefaultHumanizerConfig is tuned to be noticeable without hurting readability.
var DefaultHumanizerConfig = HumanizerConfig{
	LowercaseRate: 0.6,
	SlangRate:     0.3,
	TypoRate:      0.08,
	DropPeriod:    0.7,
}

// Humanizer mutates text. Safe for concurrent use.
type Humanizer struct {
	cfg HumanizerConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHumanizer creates a Humanizer. A nil rng uses a randomly seeded source.
func NewHumanizer(cfg HumanizerConfig, rng *rand.Rand) *Humanizer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Humanizer{cfg: cfg, rng: rng}
}

func (h *Humanizer) chance(p float64) bool {
	return p > 0 && h.rng.Float64() < p
}

// Humanize returns a mutated copy of text.
func (h *Humanizer) Humanize(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	words := strings.Split(text, " ")
	for i, w := range words {
		words[i] = h.swapSlang(w)
	}

	if h.chance(h.cfg.TypoRate) {
		var candidates []int
		for i, w := range words {
			if letterCount(w) >= 4 {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) > 0 {
			i := candidates[h.rng.IntN(len(candidates))]
			words[i] = h.typo(words[i])
		}
	}

	out := strings.Join(words, " ")

	if h.chance(h.cfg.LowercaseRate) {
		r, size := utf8.DecodeRuneInString(out)
		if unicode.IsUpper(r) && !startsWithPronounI(out) {
			out = string(unicode.ToLower(r)) + out[size:]
		}
	}

	if strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "..") && h.chance(h.cfg.DropPeriod) {
		out = strings.TrimSuffix(out, ".")
	}
	return out
}

// swapSlang replaces the letter core of w, keeping surrounding punctuation.
func (h *Humanizer) swapSlang(w string) string {
	start := strings.IndexFunc(w, unicode.IsLetter)
	if start < 0 {
		return w
	}
	end := strings.LastIndexFunc(w, unicode.IsLetter) + 1
	core := w[start:end]

	repl, ok := slang[strings.ToLower(core)]
	if !ok || !h.chance(h.cfg.SlangRate) {
		return w
	}
	if r, _ := utf8.DecodeRuneInString(core); unicode.IsUpper(r) {
		repl = strings.ToUpper(repl[:1]) + repl[1:]
	}
	return w[:start] + repl + w[end:]
}

// typo swaps two adjacent interior letters.
func (h *Humanizer) typo(w string) string {
	runes := []rune(w)
	var idx []int
	for i := 1; i < len(runes)-2; i++ {
		if unicode.IsLetter(runes[i]) && unicode.IsLetter(runes[i+1]) && runes[i] != runes[i+1] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return w
	}
	i := idx[h.rng.IntN(len(idx))]
	runes[i], runes[i+1] = runes[i+1], runes[i]
	return string(runes)
}

// Jitter returns base plus a uniform random extra in [0, spread).
func (h *Humanizer) Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return base + time.Duration(h.rng.Int64N(int64(spread)))
}

func letterCount(w string) int {
	n := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func startsWithPronounI(s string) bool {
	return s == "I" || strings.HasPrefix(s, "I ") || strings.HasPrefix(s, "I'")
}

// Humanized wraps a Generator and humanizes whatever it returns.
type Humanized struct {
	Next      Generator
	Humanizer *Humanizer
}

// Generate delegates and post-processes non-empty text.
func (g Humanized) Generate(ctx context.Context, req Request) (string, error) {
	text, err := g.Next.Generate(ctx, req)
	if err != nil || text == "" {
		return text, err
	}
	return g.Humanizer.Humanize(text), nil
}
