package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

func reverseRunes(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// ProcessText applies a text operation and returns its result document.
func ProcessText(operation, text string) (map[string]any, error) {
	switch operation {
	case "uppercase":
		return map[string]any{"original": text, "result": strings.ToUpper(text)}, nil
	case "lowercase":
		return map[string]any{"original": text, "result": strings.ToLower(text)}, nil
	case "reverse":
		return map[string]any{"original": text, "result": reverseRunes(text)}, nil
	case "length":
		n := utf8.RuneCountInString(text)
		return map[string]any{"text": text, "length": n, "characters": n}, nil
	case "words":
		words := strings.Fields(text)
		return map[string]any{"text": text, "words": words, "wordCount": len(words)}, nil
	case "clean":
		return map[string]any{"original": text, "cleaned": strings.Join(strings.Fields(text), " ")}, nil
	case "analyze":
		return map[string]any{
			"text":       text,
			"length":     utf8.RuneCountInString(text),
			"words":      len(strings.Fields(text)),
			"sentences":  strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?"),
			"paragraphs": strings.Count(text, "\n\n") + 1,
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation: %s", operation)
	}
}

func handleText(_ context.Context, raw json.RawMessage) (any, error) {
	var p textParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, errNoText
	}
	if p.Operation == "" {
		p.Operation = "analyze"
	}

	result, err := ProcessText(p.Operation, p.Text)
	if err != nil {
		return nil, err
	}
	result["operation"] = p.Operation
	return result, nil
}
