// Package capabilities holds the task handlers and agent profiles served by leaf agents.
package capabilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	errNoText = errors.New("no text provided")

	wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// tokenize lowercases text and splits it into word tokens.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

type textParams struct {
	Text      string `json:"text"`
	Operation string `json:"operation"`
	Type      string `json:"type"`
}

func (p textParams) requireText() error {
	if strings.TrimSpace(p.Text) == "" {
		return errNoText
	}
	return nil
}
