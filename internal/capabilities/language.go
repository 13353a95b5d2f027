package capabilities

import (
	"context"
	"encoding/json"
	"sort"
)

type languageLexicon struct {
	name  string
	words map[string]bool
}

var languages = []languageLexicon{
	{"english", wordSet("the", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with", "by", "is", "are", "was", "were")},
	{"italian", wordSet("il", "la", "di", "che", "e", "a", "per", "con", "da", "su", "in", "del", "delle", "della")},
	{"spanish", wordSet("el", "la", "de", "que", "y", "en", "un", "es", "se", "no", "te", "lo", "para", "con")},
	{"french", wordSet("le", "de", "et", "à", "un", "il", "être", "en", "avoir", "que", "pour", "dans", "ce")},
	{"german", wordSet("der", "die", "und", "in", "den", "von", "zu", "das", "mit", "sich", "des", "auf", "für", "ist")},
}

const secondaryLanguageThreshold = 0.05

type LanguageScore struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Matches    int     `json:"matches"`
}

type LanguageReport struct {
	Text              string          `json:"text,omitempty"`
	PrimaryLanguage   string          `json:"primary_language"`
	Confidence        float64         `json:"confidence"`
	DetectedLanguages []LanguageScore `json:"detected_languages"`
	Method            string          `json:"method"`
	WordsAnalyzed     int             `json:"total_words_analyzed"`
}

// SupportedLanguages lists the languages the detector scores.
func SupportedLanguages() []string {
	names := make([]string, len(languages))
	for i, l := range languages {
		names[i] = l.name
	}
	return names
}

// DetectLanguage scores text against common-word lists.
func DetectLanguage(text string) LanguageReport {
	words := tokenize(text)
	report := LanguageReport{
		PrimaryLanguage:   "unknown",
		DetectedLanguages: []LanguageScore{},
		Method:            "pattern_matching",
		WordsAnalyzed:     len(words),
	}
	if len(words) == 0 {
		return report
	}

	total := float64(len(words))
	best := -1.0
	for _, lang := range languages {
		matches := 0
		for _, w := range words {
			if lang.words[w] {
				matches++
			}
		}
		score := float64(matches) / total
		if score > best {
			best = score
			report.PrimaryLanguage = lang.name
		}
		if score > secondaryLanguageThreshold {
			report.DetectedLanguages = append(report.DetectedLanguages, LanguageScore{
				Language:   lang.name,
				Confidence: score,
				Matches:    matches,
			})
		}
	}
	report.Confidence = min(best*3, 1)

	sort.SliceStable(report.DetectedLanguages, func(i, j int) bool {
		return report.DetectedLanguages[i].Confidence > report.DetectedLanguages[j].Confidence
	})
	return report
}

func handleLanguage(_ context.Context, raw json.RawMessage) (any, error) {
	var p textParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.requireText(); err != nil {
		return nil, err
	}

	report := DetectLanguage(p.Text)
	report.Text = p.Text
	return report, nil
}
