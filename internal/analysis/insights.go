// Package analysis holds the job handlers the worker registers on the queue.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/queue"
)

// JobName is the name producers enqueue semantic analysis under
const JobName = "semantic-insights"

const (
	maxContentChars = 30000
	maxHints        = 5
)

// Payload is the semantic-insights job payload
type Payload struct {
	ProjectID string `json:"projectId"`
	FileID    string `json:"fileId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}

// Generator turns a prompt into model text
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// InsightsHandler asks the generator for a short review of a project file
type InsightsHandler struct {
	generator Generator
	logger    *slog.Logger
}

func NewInsightsHandler(generator Generator, logger *slog.Logger) *InsightsHandler {
	return &InsightsHandler{generator: generator, logger: logger}
}

// Register binds the handler to q
func (h *InsightsHandler) Register(q *queue.Queue) {
	q.Process(JobName, h.Handle)
}

// Handle runs one attempt. Bad payloads fail permanently; generator errors are retried.
func (h *InsightsHandler) Handle(ctx context.Context, job *queue.Job, reporter queue.Reporter) (*queue.Result, error) {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	reporter.Report(ctx, 10, "Preparing analysis")
	prompt := buildPrompt(payload)

	reporter.Report(ctx, 40, "Generating insights")
	text, err := h.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate insights: %w", err)
	}

	reporter.Report(ctx, 90, "Summarising insights")
	summary, hints := parseInsights(text)

	h.logger.Info("Semantic insights generated",
		slog.String("job_id", job.ID),
		slog.String("project_id", payload.ProjectID),
		slog.String("file_id", payload.FileID),
		slog.Int("hints", len(hints)),
	)

	return &queue.Result{Message: summary, Hints: hints}, nil
}

func decodePayload(raw json.RawMessage) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if payload.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", domain.ErrInvalidPayload)
	}
	if strings.TrimSpace(payload.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidPayload)
	}
	return &payload, nil
}

func buildPrompt(p *Payload) string {
	content := p.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}

	var sb strings.Builder
	sb.WriteString("You review files of a software project.\n")
	sb.WriteString("Reply with one summary sentence, then up to five improvement hints, each on its own line starting with \"- \".\n\n")
	if p.Title != "" {
		sb.WriteString("File: ")
		sb.WriteString(p.Title)
		sb.WriteString("\n\n")
	}
	sb.WriteString(content)
	return sb.String()
}

// parseInsights splits model output into the first prose line and its bullet hints
func parseInsights(text string) (string, []string) {
	var summary string
	var hints []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if hint, ok := bullet(line); ok {
			if len(hints) < maxHints && hint != "" {
				hints = append(hints, hint)
			}
			continue
		}
		if summary == "" {
			summary = line
		}
	}
	if summary == "" {
		summary = fmt.Sprintf("Generated %d insights", len(hints))
	}
	return summary, hints
}

func bullet(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}
