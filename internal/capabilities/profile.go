package capabilities

import (
	"fmt"
	"sort"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

const (
	MethodTextProcessing    = "text_processing"
	MethodBasicMath         = "basic_math"
	MethodSentimentAnalysis = "sentiment_analysis"
	MethodLanguageDetection = "language_detection"
)

const (
	TypeTextProcessor     = "text-processor"
	TypeMathCalculator    = "math-calculator"
	TypeSentimentAnalyzer = "sentiment-analyzer"
	TypeLanguageDetector  = "language-detector"
)

const agentVersion = "1.0.0"

// Profile describes one kind of leaf agent: its identity, card and handlers.
type Profile struct {
	Kind         string
	ID           string
	DefaultPort  int
	Name         string
	Description  string
	Type         string
	Category     string
	Tags         []string
	Capabilities []domain.Capability
	Handlers     map[string]ports.Handler
}

var profiles = map[string]Profile{
	"text": {
		Kind:        "text",
		DefaultPort: 3001,
		ID:          "agent-a-text-processor",
		Name:        "Text Processing Agent",
		Description: "Text transformations and basic text analysis",
		Type:        TypeTextProcessor,
		Category:    "text",
		Tags:        []string{"text", "transform", "analysis"},
		Capabilities: []domain.Capability{{
			ID:           MethodTextProcessing,
			Name:         "Text Processing",
			Description:  "uppercase, lowercase, reverse, length, words, clean and analyze operations",
			InputFormat:  "application/json",
			OutputFormat: "application/json",
			Delegation:   domain.DelegationNone,
		}},
		Handlers: map[string]ports.Handler{MethodTextProcessing: handleText},
	},
	"math": {
		Kind:        "math",
		DefaultPort: 3002,
		ID:          "agent-b-math-calculator",
		Name:        "Math Calculator Agent",
		Description: "Arithmetic, powers, roots, factorials and trigonometry in degrees",
		Type:        TypeMathCalculator,
		Category:    "math",
		Tags:        []string{"math", "calculator"},
		Capabilities: []domain.Capability{{
			ID:           MethodBasicMath,
			Name:         "Basic Math",
			Description:  "add, subtract, multiply, divide, power, sqrt, factorial, sin, cos, tan",
			InputFormat:  "application/json",
			OutputFormat: "application/json",
			Delegation:   domain.DelegationNone,
		}},
		Handlers: map[string]ports.Handler{MethodBasicMath: handleMath},
	},
	"sentiment": {
		Kind:        "sentiment",
		DefaultPort: 3003,
		ID:          "agent-c-sentiment-analyzer",
		Name:        "Sentiment Analysis Agent",
		Description: "Keyword sentiment analysis with emotion and keyword extraction",
		Type:        TypeSentimentAnalyzer,
		Category:    "natural-language",
		Tags:        []string{"sentiment", "emotion", "nlp"},
		Capabilities: []domain.Capability{{
			ID:           MethodSentimentAnalysis,
			Name:         "Sentiment Analysis",
			Description:  "basic or detailed sentiment of a text",
			InputFormat:  "text/plain",
			OutputFormat: "application/json",
			Delegation:   domain.DelegationAutomatic,
		}},
		Handlers: map[string]ports.Handler{MethodSentimentAnalysis: handleSentiment},
	},
	"language": {
		Kind:        "language",
		DefaultPort: 3004,
		ID:          "agent-d-language-detector",
		Name:        "Language Detection Agent",
		Description: "Common-word language detection for english, italian, spanish, french and german",
		Type:        TypeLanguageDetector,
		Category:    "natural-language",
		Tags:        []string{"language", "detection", "nlp"},
		Capabilities: []domain.Capability{{
			ID:           MethodLanguageDetection,
			Name:         "Language Detection",
			Description:  "primary and secondary languages of a text",
			InputFormat:  "text/plain",
			OutputFormat: "application/json",
			Delegation:   domain.DelegationConditional,
		}},
		Handlers: map[string]ports.Handler{MethodLanguageDetection: handleLanguage},
	},
}

// ProfileFor returns the profile of an agent kind.
func ProfileFor(kind string) (*Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return &p, nil
}

// Kinds lists the known agent kinds in stable order.
func Kinds() []string {
	kinds := make([]string, 0, len(profiles))
	for k := range profiles {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// MethodTypes maps every capability method to the agent type that serves it.
func MethodTypes() map[string]string {
	m := make(map[string]string)
	for _, p := range profiles {
		for method := range p.Handlers {
			m[method] = p.Type
		}
	}
	return m
}

// Card builds the agent card for an agent reachable at baseURL.
func (p *Profile) Card(baseURL string) domain.AgentCard {
	caps := make([]domain.Capability, len(p.Capabilities))
	copy(caps, p.Capabilities)
	tags := make([]string, len(p.Tags))
	copy(tags, p.Tags)

	return domain.AgentCard{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Version:     agentVersion,
		Type:        p.Type,
		Endpoints: domain.Endpoints{
			Status:     baseURL + "/status",
			RPC:        baseURL + "/rpc",
			TaskStatus: baseURL + "/task/{taskId}",
			AgentCard:  baseURL + "/agent-card",
		},
		Capabilities:   caps,
		Authentication: domain.Authentication{Type: "none"},
		DiscoveryInfo: domain.DiscoveryInfo{
			Discoverable: true,
			Category:     p.Category,
			Tags:         tags,
		},
	}
}
