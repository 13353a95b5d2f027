package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
)

const maxWorkflowRuns = 50

type OutputFormat string

const (
	OutputCombined OutputFormat = "combined"
	OutputSeparate OutputFormat = "separate"
)

type WorkflowStep struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	// Parallel steps next to each other run concurrently.
	Parallel bool `json:"parallel,omitempty"`
	// DependsOn merges the result of an earlier step into this step's input.
	DependsOn *int `json:"depends_on,omitempty"`
}

type WorkflowTemplate struct {
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Steps        []WorkflowStep `json:"steps"`
	OutputFormat OutputFormat   `json:"output_format"`
}

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

type StepResult struct {
	Index  int                 `json:"index"`
	Method string              `json:"method"`
	Route  *domain.RouteResult `json:"route,omitempty"`
	Error  string              `json:"error,omitempty"`
}

type WorkflowRun struct {
	ID          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	Status      WorkflowStatus `json:"status"`
	Steps       []StepResult   `json:"steps"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func intPtr(i int) *int { return &i }

// DefaultWorkflows are the built-in multi-agent templates.
func DefaultWorkflows() []WorkflowTemplate {
	return []WorkflowTemplate{
		{
			Name:        "text_analysis_pipeline",
			Title:       "Text Analysis Pipeline",
			Description: "Complete text analysis using multiple agents",
			Steps: []WorkflowStep{
				{Method: capabilities.MethodTextProcessing, Params: map[string]any{"operation": "clean"}},
				{Method: capabilities.MethodLanguageDetection},
				{Method: capabilities.MethodSentimentAnalysis, Params: map[string]any{"type": "detailed"}},
			},
			OutputFormat: OutputCombined,
		},
		{
			Name:        "math_text_combo",
			Title:       "Math and Text Processing",
			Description: "Process mathematical expressions and analyze text",
			Steps: []WorkflowStep{
				{Method: capabilities.MethodBasicMath, Parallel: true},
				{Method: capabilities.MethodTextProcessing, Params: map[string]any{"operation": "analyze"}, Parallel: true},
			},
			OutputFormat: OutputSeparate,
		},
		{
			Name:        "multilingual_sentiment",
			Title:       "Multilingual Sentiment Analysis",
			Description: "Detect language and analyze sentiment",
			Steps: []WorkflowStep{
				{Method: capabilities.MethodLanguageDetection},
				{Method: capabilities.MethodSentimentAnalysis, Params: map[string]any{"type": "basic"}, DependsOn: intPtr(0)},
			},
			OutputFormat: OutputCombined,
		},
	}
}

// RouteFunc routes one request, usually Router.Route.
type RouteFunc func(ctx context.Context, method string, params json.RawMessage) (*domain.RouteResult, error)

// WorkflowService runs templates whose steps go through the router, so each
// step delegates or falls back on its own.
type WorkflowService struct {
	route     RouteFunc
	events    *EventLog
	templates map[string]WorkflowTemplate

	mu   sync.RWMutex
	runs []*WorkflowRun

	log *slog.Logger
}

func NewWorkflowService(route RouteFunc, events *EventLog, templates []WorkflowTemplate) *WorkflowService {
	if templates == nil {
		templates = DefaultWorkflows()
	}
	byName := make(map[string]WorkflowTemplate, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	return &WorkflowService{
		route:     route,
		events:    events,
		templates: byName,
		log:       logger.With("component", "workflows"),
	}
}

func (s *WorkflowService) Templates() []WorkflowTemplate {
	out := make([]WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named workflow to completion.
func (s *WorkflowService) Execute(ctx context.Context, name string, input map[string]any) (*WorkflowRun, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, name)
	}

	run := &WorkflowRun{
		ID:        uuid.New().String(),
		Workflow:  name,
		Status:    WorkflowRunning,
		Steps:     make([]StepResult, len(tmpl.Steps)),
		StartedAt: time.Now().UTC(),
	}
	s.log.InfoContext(ctx, "Workflow started", "workflow", name, "run_id", run.ID)

	err := s.runSteps(ctx, tmpl, input, run.Steps)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = WorkflowFailed
		run.Error = err.Error()
		s.log.WarnContext(ctx, "Workflow failed", "workflow", name, "run_id", run.ID, "error", err)
	} else {
		run.Status = WorkflowCompleted
		run.Result = combine(tmpl, run.Steps)
	}
	s.events.Record(domain.EventWorkflowCompleted, "", fmt.Sprintf("Workflow %s %s", name, run.Status),
		map[string]any{"workflow": name, "run_id": run.ID, "status": string(run.Status)})
	s.remember(run)
	return run, nil
}

func (s *WorkflowService) runSteps(ctx context.Context, tmpl WorkflowTemplate, input map[string]any, results []StepResult) error {
	for i := 0; i < len(tmpl.Steps); {
		// Group consecutive parallel steps.
		j := i + 1
		if tmpl.Steps[i].Parallel {
			for j < len(tmpl.Steps) && tmpl.Steps[j].Parallel {
				j++
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for k := i; k < j; k++ {
			step := tmpl.Steps[k]
			params := stepInput(input, step, results)
			g.Go(func() error {
				results[k] = s.runStep(gctx, k, step, params)
				if results[k].Error != "" {
					return fmt.Errorf("step %d (%s): %s", k, step.Method, results[k].Error)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func stepInput(input map[string]any, step WorkflowStep, results []StepResult) map[string]any {
	params := make(map[string]any, len(input)+len(step.Params))
	for k, v := range input {
		params[k] = v
	}
	if step.DependsOn != nil && *step.DependsOn < len(results) {
		if prev := results[*step.DependsOn].Route; prev != nil {
			for k, v := range prev.Result {
				params[k] = v
			}
		}
	}
	for k, v := range step.Params {
		params[k] = v
	}
	return params
}

func (s *WorkflowService) runStep(ctx context.Context, index int, step WorkflowStep, params map[string]any) StepResult {
	res := StepResult{Index: index, Method: step.Method}
	raw, err := json.Marshal(params)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	route, err := s.route(ctx, step.Method, raw)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Route = route
	return res
}

func combine(tmpl WorkflowTemplate, steps []StepResult) map[string]any {
	if tmpl.OutputFormat == OutputSeparate {
		return map[string]any{"workflow": tmpl.Name, "individual_results": steps}
	}
	out := map[string]any{"workflow": tmpl.Name, "steps": steps}
	for _, step := range steps {
		if step.Route == nil {
			continue
		}
		for k, v := range step.Route.Result {
			out[k] = v
		}
	}
	return out
}

func (s *WorkflowService) remember(run *WorkflowRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxWorkflowRuns {
		s.runs = s.runs[len(s.runs)-maxWorkflowRuns:]
	}
}

// Runs returns recent runs, newest first.
func (s *WorkflowService) Runs() []*WorkflowRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
	}
	return out
}
