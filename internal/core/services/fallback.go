package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"a2a.mesh/internal/capabilities"
)

// FallbackFunc is a cheap local stand-in for a remote capability. It must
// not fail on well-formed params.
type FallbackFunc func(params json.RawMessage) map[string]any

var fallbackWords = regexp.MustCompile(`[\p{L}\p{N}']+`)

var (
	fallbackPositive = map[string]bool{"good": true, "great": true, "excellent": true, "love": true, "happy": true, "wonderful": true, "best": true, "amazing": true}
	fallbackNegative = map[string]bool{"bad": true, "terrible": true, "awful": true, "hate": true, "sad": true, "worst": true, "horrible": true, "poor": true}

	fallbackLanguageHints = map[string][]string{
		"english": {"the", "and", "is", "of", "to"},
		"italian": {"il", "che", "di", "della", "sono"},
		"spanish": {"el", "los", "que", "para", "es"},
		"french":  {"le", "les", "et", "est", "dans"},
		"german":  {"der", "die", "und", "ist", "das"},
	}
)

// DefaultFallbacks returns the local handlers keyed by method. basic_math
// has none, so math requests fail when no calculator is reachable.
func DefaultFallbacks() map[string]FallbackFunc {
	return map[string]FallbackFunc{
		capabilities.MethodSentimentAnalysis: fallbackSentiment,
		capabilities.MethodTextProcessing:    fallbackText,
		capabilities.MethodLanguageDetection: fallbackLanguage,
	}
}

type fallbackParams struct {
	Text      string `json:"text"`
	Operation string `json:"operation"`
}

func decodeFallbackParams(raw json.RawMessage) fallbackParams {
	var p fallbackParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func fallbackTokens(text string) []string {
	return fallbackWords.FindAllString(strings.ToLower(text), -1)
}

func fallbackSentiment(raw json.RawMessage) map[string]any {
	p := decodeFallbackParams(raw)

	var pos, neg int
	for _, w := range fallbackTokens(p.Text) {
		switch {
		case fallbackPositive[w]:
			pos++
		case fallbackNegative[w]:
			neg++
		}
	}

	label, confidence := "neutral", 0.5
	if total := pos + neg; total > 0 {
		switch {
		case pos > neg:
			label = "positive"
			confidence = float64(pos) / float64(total)
		case neg > pos:
			label = "negative"
			confidence = float64(neg) / float64(total)
		}
	}

	return map[string]any{
		"text":       p.Text,
		"sentiment":  label,
		"confidence": math.Round(confidence*1000) / 1000,
		"method":     "fallback_keywords",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
}

func fallbackText(raw json.RawMessage) map[string]any {
	p := decodeFallbackParams(raw)
	op := p.Operation
	if op == "" {
		op = "analyze"
	}

	out := map[string]any{
		"operation": op,
		"original":  p.Text,
		"method":    "fallback_local",
	}
	switch op {
	case "uppercase":
		out["result"] = strings.ToUpper(p.Text)
	case "lowercase":
		out["result"] = strings.ToLower(p.Text)
	case "length":
		out["result"] = utf8.RuneCountInString(p.Text)
	case "clean":
		out["cleaned"] = strings.Join(strings.Fields(p.Text), " ")
	default:
		out["operation"] = "analyze"
		out["characters"] = utf8.RuneCountInString(p.Text)
		out["words"] = len(strings.Fields(p.Text))
	}
	return out
}

func fallbackLanguage(raw json.RawMessage) map[string]any {
	p := decodeFallbackParams(raw)
	tokens := fallbackTokens(p.Text)

	best, bestHits := "unknown", 0
	for _, lang := range capabilities.SupportedLanguages() {
		hints := fallbackLanguageHints[lang]
		hits := 0
		for _, t := range tokens {
			for _, h := range hints {
				if t == h {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}

	confidence := 0.0
	if len(tokens) > 0 {
		confidence = math.Min(float64(bestHits)/float64(len(tokens))*3, 1)
	}
	return map[string]any{
		"primary_language": best,
		"confidence":       math.Round(confidence*1000) / 1000,
		"method":           "fallback_stopwords",
	}
}
