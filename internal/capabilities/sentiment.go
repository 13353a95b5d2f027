package capabilities

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

var positiveWords = wordSet(
	"good", "great", "excellent", "amazing", "wonderful", "fantastic", "awesome",
	"happy", "joy", "love", "beautiful", "perfect", "brilliant", "outstanding",
	"superb", "marvelous", "delightful", "pleased", "satisfied", "thrilled",
)

var negativeWords = wordSet(
	"bad", "terrible", "awful", "horrible", "hate", "disgusting", "worst",
	"angry", "sad", "disappointed", "frustrated", "annoyed", "upset", "furious",
	"disgusted", "depressed", "miserable", "unhappy", "dissatisfied", "dreadful",
)

type emotionLexicon struct {
	name  string
	words map[string]bool
}

// Ordered so ties resolve to the earlier emotion.
var emotions = []emotionLexicon{
	{"joy", wordSet("happy", "joy", "excited", "cheerful", "delighted", "thrilled")},
	{"anger", wordSet("angry", "furious", "mad", "rage", "annoyed", "irritated")},
	{"sadness", wordSet("sad", "depressed", "melancholy", "grief", "sorrow", "unhappy")},
	{"fear", wordSet("afraid", "scared", "terrified", "anxious", "worried", "nervous")},
	{"surprise", wordSet("surprised", "shocked", "amazed", "astonished", "stunned")},
	{"disgust", wordSet("disgusted", "revolted", "repulsed", "nauseated", "sickened")},
}

var stopWords = wordSet(
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
	"of", "with", "by", "is", "are", "was", "were", "be", "been", "being",
	"have", "has", "had", "do", "does", "did", "will", "would", "could",
	"should", "may", "might", "must", "can", "this", "that", "these", "those",
)

const secondaryEmotionThreshold = 0.02

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

type SentimentScores struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

type EmotionScore struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

type EmotionReport struct {
	Primary   EmotionScore       `json:"primary"`
	Secondary map[string]float64 `json:"secondary"`
	AllScores map[string]float64 `json:"all_scores"`
}

type Keyword struct {
	Word      string `json:"word"`
	Frequency int    `json:"frequency"`
}

type TextStatistics struct {
	CharacterCount    int     `json:"character_count"`
	WordCount         int     `json:"word_count"`
	SentenceCount     int     `json:"sentence_count"`
	AverageWordLength float64 `json:"average_word_length"`
}

// SentimentReport is the result of sentiment_analysis.
type SentimentReport struct {
	Text       string          `json:"text"`
	Sentiment  string          `json:"sentiment"`
	Confidence float64         `json:"confidence"`
	Scores     SentimentScores `json:"scores"`
	Emotions   *EmotionReport  `json:"emotions,omitempty"`
	Keywords   []Keyword       `json:"keywords,omitempty"`
	Statistics *TextStatistics `json:"statistics,omitempty"`
	Method     string          `json:"method"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AnalyzeSentiment classifies text by counting lexicon hits.
func AnalyzeSentiment(text string) (label string, confidence float64, scores SentimentScores) {
	words := tokenize(text)
	if len(words) == 0 {
		return "neutral", 0, SentimentScores{Neutral: 1}
	}

	var pos, neg int
	for _, w := range words {
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}

	total := float64(len(words))
	posRatio := float64(pos) / total
	negRatio := float64(neg) / total

	switch {
	case pos > neg:
		label, confidence = "positive", min(posRatio*2, 1)
	case neg > pos:
		label, confidence = "negative", min(negRatio*2, 1)
	default:
		label, confidence = "neutral", 1-(posRatio+negRatio)
	}

	return label, confidence, SentimentScores{
		Positive: posRatio,
		Negative: negRatio,
		Neutral:  1 - posRatio - negRatio,
	}
}

func DetectEmotions(text string) EmotionReport {
	words := tokenize(text)
	report := EmotionReport{
		Primary:   EmotionScore{Emotion: "neutral"},
		Secondary: map[string]float64{},
		AllScores: make(map[string]float64, len(emotions)),
	}

	best := 0.0
	for _, e := range emotions {
		count := 0
		for _, w := range words {
			if e.words[w] {
				count++
			}
		}
		score := 0.0
		if len(words) > 0 {
			score = float64(count) / float64(len(words))
		}
		report.AllScores[e.name] = score
		if score > best {
			best = score
			report.Primary = EmotionScore{Emotion: e.name, Confidence: min(score*5, 1)}
		}
	}

	for name, score := range report.AllScores {
		if score > secondaryEmotionThreshold && name != report.Primary.Emotion {
			report.Secondary[name] = score
		}
	}
	return report
}

// ExtractKeywords returns the ten most frequent non stop words longer than two characters.
func ExtractKeywords(text string) []Keyword {
	freq := make(map[string]int)
	var order []string
	for _, w := range tokenize(text) {
		if stopWords[w] || utf8.RuneCountInString(w) <= 2 {
			continue
		}
		if freq[w] == 0 {
			order = append(order, w)
		}
		freq[w]++
	}

	keywords := make([]Keyword, 0, len(order))
	for _, w := range order {
		keywords = append(keywords, Keyword{Word: w, Frequency: freq[w]})
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return keywords[i].Frequency > keywords[j].Frequency
	})
	if len(keywords) > 10 {
		keywords = keywords[:10]
	}
	return keywords
}

func Statistics(text string) TextStatistics {
	fields := strings.Fields(text)
	stats := TextStatistics{
		CharacterCount: utf8.RuneCountInString(text),
		WordCount:      len(fields),
		SentenceCount:  strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?"),
	}
	if len(fields) > 0 {
		letters := 0
		for _, f := range fields {
			letters += utf8.RuneCountInString(f)
		}
		stats.AverageWordLength = float64(letters) / float64(len(fields))
	}
	return stats
}

func handleSentiment(_ context.Context, raw json.RawMessage) (any, error) {
	var p textParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.requireText(); err != nil {
		return nil, err
	}

	label, confidence, scores := AnalyzeSentiment(p.Text)
	report := &SentimentReport{
		Text:       p.Text,
		Sentiment:  label,
		Confidence: confidence,
		Scores:     scores,
		Method:     "keyword_analysis",
		Timestamp:  time.Now().UTC(),
	}

	if p.Type == "detailed" {
		emotions := DetectEmotions(p.Text)
		stats := Statistics(p.Text)
		report.Emotions = &emotions
		report.Keywords = ExtractKeywords(p.Text)
		report.Statistics = &stats
	}
	return report, nil
}
