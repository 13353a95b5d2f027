package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"a2a.mesh/internal/core/domain"
)

type rosterFile struct {
	Agents []domain.AgentSpec `yaml:"agents"`
}

// DefaultRoster is the four-agent demo mesh launched from the agent binary.
func DefaultRoster() []domain.AgentSpec {
	bin := getEnv("AGENT_BINARY", "./bin/agent")
	spec := func(id, name, typ, kind, capability string, port int) domain.AgentSpec {
		return domain.AgentSpec{
			ID:           id,
			Name:         name,
			Type:         typ,
			Host:         "localhost",
			Port:         port,
			Runtime:      domain.RuntimeExec,
			Command:      []string{bin},
			Env:          map[string]string{"AGENT_KIND": kind, "PORT": fmt.Sprint(port)},
			HealthPath:   "/status",
			Capabilities: []string{capability},
		}
	}
	return []domain.AgentSpec{
		spec("agent-a-text-processor", "Text Processing Agent", "text-processor", "text", "text_processing", 3001),
		spec("agent-b-math-calculator", "Math Calculator Agent", "math-calculator", "math", "basic_math", 3002),
		spec("agent-c-sentiment-analyzer", "Sentiment Analysis Agent", "sentiment-analyzer", "sentiment", "sentiment_analysis", 3003),
		spec("agent-d-language-detector", "Language Detection Agent", "language-detector", "language", "language_detection", 3004),
	}
}

// LoadRoster reads the supervised agent roster. An empty path yields DefaultRoster.
func LoadRoster(path string) ([]domain.AgentSpec, error) {
	if path == "" {
		return DefaultRoster(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(data)
}

func ParseRoster(data []byte) ([]domain.AgentSpec, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("roster defines no agents")
	}

	ids := make(map[string]bool)
	ports := make(map[int]string)
	for i := range file.Agents {
		a := &file.Agents[i]
		if a.ID == "" {
			return nil, fmt.Errorf("agent #%d: id is required", i)
		}
		if ids[a.ID] {
			return nil, fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		ids[a.ID] = true

		if a.Port <= 0 || a.Port > 65535 {
			return nil, fmt.Errorf("agent %s: invalid port %d", a.ID, a.Port)
		}
		if other, ok := ports[a.Port]; ok {
			return nil, fmt.Errorf("agent %s: port %d already used by %s", a.ID, a.Port, other)
		}
		ports[a.Port] = a.ID

		if a.Runtime == "" {
			a.Runtime = domain.RuntimeExec
		}
		switch a.Runtime {
		case domain.RuntimeExec:
			if len(a.Command) == 0 {
				return nil, fmt.Errorf("agent %s: command is required for exec runtime", a.ID)
			}
		case domain.RuntimeDocker:
			if a.Image == "" {
				return nil, fmt.Errorf("agent %s: image is required for docker runtime", a.ID)
			}
		default:
			return nil, fmt.Errorf("agent %s: unknown runtime %q", a.ID, a.Runtime)
		}

		if a.Host == "" {
			a.Host = "localhost"
		}
		if a.HealthPath == "" {
			a.HealthPath = "/status"
		}
		if a.Name == "" {
			a.Name = a.ID
		}
	}
	return file.Agents, nil
}
