package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSentiment(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		label     string
		minConfid float64
	}{
		{"positive", "This is a great and wonderful day", "positive", 0.5},
		{"negative", "terrible awful service", "negative", 1},
		{"neutral balanced", "good and bad", "neutral", 0.3},
		{"no lexicon words", "the cat sat", "neutral", 1},
		{"empty", "", "neutral", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, confidence, scores := AnalyzeSentiment(tt.text)
			assert.Equal(t, tt.label, label)
			assert.GreaterOrEqual(t, confidence, tt.minConfid)
			assert.LessOrEqual(t, confidence, 1.0)
			assert.InDelta(t, 1.0, scores.Positive+scores.Negative+scores.Neutral, 1e-9)
		})
	}
}

func TestDetectEmotions(t *testing.T) {
	report := DetectEmotions("I am happy and excited but also worried")
	assert.Equal(t, "joy", report.Primary.Emotion)
	assert.Contains(t, report.Secondary, "fear")
	assert.Len(t, report.AllScores, 6)

	assert.Equal(t, "neutral", DetectEmotions("plain words only").Primary.Emotion)
}

func TestExtractKeywords(t *testing.T) {
	keywords := ExtractKeywords("Go is fast. Go services are fast and simple; simple is good, fast is better")
	require.NotEmpty(t, keywords)
	assert.Equal(t, Keyword{Word: "fast", Frequency: 3}, keywords[0])
	assert.Equal(t, Keyword{Word: "simple", Frequency: 2}, keywords[1])
	for _, k := range keywords {
		assert.NotEqual(t, "go", k.Word, "short words are dropped")
		assert.NotEqual(t, "are", k.Word, "stop words are dropped")
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		op      string
		numbers []float64
		want    float64
		wantErr bool
	}{
		{"add", []float64{1, 2, 3}, 6, false},
		{"subtract", []float64{10, 3, 2}, 5, false},
		{"multiply", []float64{2, 3, 4}, 24, false},
		{"divide", []float64{20, 2, 5}, 2, false},
		{"divide", []float64{10, 0}, 0, true},
		{"power", []float64{2, 10}, 1024, false},
		{"power", []float64{2}, 0, true},
		{"sqrt", []float64{81}, 9, false},
		{"sqrt", []float64{-1}, 0, true},
		{"factorial", []float64{5}, 120, false},
		{"factorial", []float64{2.5}, 0, true},
		{"sin", []float64{90}, 1, false},
		{"cos", []float64{0}, 1, false},
		{"tan", []float64{45}, 1, false},
		{"modulo", []float64{1, 2}, 0, true},
		{"add", nil, 0, true},
	}
	for _, tt := range tests {
		got, err := Calculate(tt.op, tt.numbers)
		if tt.wantErr {
			assert.Error(t, err, "%s %v", tt.op, tt.numbers)
			continue
		}
		require.NoError(t, err, "%s %v", tt.op, tt.numbers)
		assert.InDelta(t, tt.want, got, 1e-9, "%s %v", tt.op, tt.numbers)
	}
}

func TestHandleMathDivisionByZero(t *testing.T) {
	_, err := handleMath(context.Background(), json.RawMessage(`{"operation":"divide","a":10,"b":0}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDivisionByZero))
	assert.Contains(t, err.Error(), "division by zero")
}

func TestCalculateRejectsNonFinite(t *testing.T) {
	for _, tc := range []struct {
		op      string
		numbers []float64
	}{
		{"power", []float64{10, 400}},
		{"power", []float64{-8, 0.5}},
		{"multiply", []float64{math.MaxFloat64, 10}},
		{"add", []float64{math.MaxFloat64, math.MaxFloat64}},
	} {
		_, err := Calculate(tc.op, tc.numbers)
		assert.ErrorIs(t, err, ErrNonFinite, "%s %v", tc.op, tc.numbers)
	}
}

func TestHandleMathAcceptsOperands(t *testing.T) {
	out, err := handleMath(context.Background(), json.RawMessage(`{"operation":"divide","a":10,"b":4}`))
	require.NoError(t, err)
	calc := out.(*Calculation)
	assert.Equal(t, []float64{10, 4}, calc.Inputs)
	assert.InDelta(t, 2.5, calc.Result, 1e-9)
}

func TestProcessText(t *testing.T) {
	out, err := ProcessText("reverse", "héllo")
	require.NoError(t, err)
	assert.Equal(t, "olléh", out["result"])

	out, err = ProcessText("clean", "  too   many\tspaces ")
	require.NoError(t, err)
	assert.Equal(t, "too many spaces", out["cleaned"])

	out, err = ProcessText("analyze", "One. Two!\n\nThree?")
	require.NoError(t, err)
	assert.Equal(t, 3, out["sentences"])
	assert.Equal(t, 2, out["paragraphs"])

	_, err = ProcessText("shout", "x")
	assert.Error(t, err)
}

func TestHandleTextRequiresText(t *testing.T) {
	_, err := handleText(context.Background(), json.RawMessage(`{"operation":"uppercase"}`))
	assert.ErrorIs(t, err, errNoText)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"the cat is on the table with the dog", "english"},
		{"il gatto è sulla tavola con il cane della casa", "italian"},
		{"el perro y el gato en la casa para que", "spanish"},
		{"der Hund und die Katze sind in dem Haus mit das", "german"},
		{"le chien et le chat dans la maison pour être", "french"},
	}
	for _, tt := range tests {
		report := DetectLanguage(tt.text)
		assert.Equal(t, tt.want, report.PrimaryLanguage, tt.text)
		assert.LessOrEqual(t, report.Confidence, 1.0)
		require.NotEmpty(t, report.DetectedLanguages, tt.text)
		assert.Equal(t, tt.want, report.DetectedLanguages[0].Language, tt.text)
	}

	assert.Equal(t, "unknown", DetectLanguage("").PrimaryLanguage)
}

func TestProfiles(t *testing.T) {
	types := MethodTypes()
	assert.Equal(t, TypeSentimentAnalyzer, types[MethodSentimentAnalysis])
	assert.Equal(t, TypeMathCalculator, types[MethodBasicMath])
	assert.Len(t, types, 4)

	for _, kind := range Kinds() {
		p, err := ProfileFor(kind)
		require.NoError(t, err)
		card := p.Card("http://localhost:3003")
		assert.Equal(t, "none", card.Authentication.Type)
		assert.True(t, card.DiscoveryInfo.Discoverable)
		assert.Equal(t, "http://localhost:3003/rpc", card.Endpoints.RPC)
		for _, c := range card.Capabilities {
			assert.Contains(t, p.Handlers, c.ID)
		}
	}

	_, err := ProfileFor("vision")
	assert.Error(t, err)
}

func TestSentimentDetailed(t *testing.T) {
	out, err := handleSentiment(context.Background(), json.RawMessage(`{"text":"I love this wonderful product","type":"detailed"}`))
	require.NoError(t, err)
	report := out.(*SentimentReport)
	assert.Equal(t, "positive", report.Sentiment)
	require.NotNil(t, report.Emotions)
	require.NotNil(t, report.Statistics)
	assert.Equal(t, 5, report.Statistics.WordCount)
	assert.False(t, math.IsNaN(report.Confidence))
}
