package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/store"
)

// Context is the strategic picture assembled for each decision prompt.
type Context struct {
	Product         string
	Worklist        string
	Learnings       []string
	Experiments     []store.Experiment
	Tools           []string
	MetricHeadlines map[string]string // experiment id -> one-line brief
}

// ContextStore is the read surface the agent needs for prompt assembly.
type ContextStore interface {
	Product(ctx context.Context) (string, error)
	Worklist(ctx context.Context) (string, error)
	RecentLearnings(ctx context.Context, n int64) ([]string, error)
	ActiveExperiments(ctx context.Context) ([]store.Experiment, error)
	ActiveTools(ctx context.Context) ([]string, error)
	AggSnapshot(ctx context.Context, experimentID string) (map[string]string, error)
}

// LoadContext gathers the current product brief, worklist, learnings,
// active experiments, tool registry, and metric headlines. Individual
// read failures degrade to empty sections with a warning; a decision with
// partial context beats no decision.
func LoadContext(ctx context.Context, s ContextStore) Context {
	out := Context{MetricHeadlines: make(map[string]string)}

	var err error
	if out.Product, err = s.Product(ctx); err != nil {
		log.Warn().Err(err).Msg("product brief unavailable")
	}
	if out.Worklist, err = s.Worklist(ctx); err != nil {
		log.Warn().Err(err).Msg("worklist unavailable")
	}
	if out.Learnings, err = s.RecentLearnings(ctx, 5); err != nil {
		log.Warn().Err(err).Msg("learnings unavailable")
	}
	if out.Experiments, err = s.ActiveExperiments(ctx); err != nil {
		log.Warn().Err(err).Msg("experiment summary unavailable")
	}
	if out.Tools, err = s.ActiveTools(ctx); err != nil {
		log.Warn().Err(err).Msg("tool registry unavailable")
	}

	for _, exp := range out.Experiments {
		snap, err := s.AggSnapshot(ctx, exp.ID)
		if err != nil || len(snap) == 0 {
			continue
		}
		out.MetricHeadlines[exp.ID] = headline(snap)
	}
	return out
}

// headline condenses an aggregate snapshot to a handful of fields.
func headline(snap map[string]string) string {
	parts := make([]string, 0, 5)
	for k, v := range snap {
		if k == "last_updated" {
			continue
		}
		parts = append(parts, k+"="+v)
		if len(parts) == 5 {
			break
		}
	}
	return strings.Join(parts, ", ")
}

func (c Context) experimentsSection() string {
	if len(c.Experiments) == 0 {
		return "(no active experiments)"
	}
	var b strings.Builder
	for _, exp := range c.Experiments {
		state := exp.State
		if state == "" {
			state = "active"
		}
		fmt.Fprintf(&b, "- %s: %s (state: %s)\n", exp.ID, exp.Hypothesis, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c Context) metricsSection() string {
	if len(c.MetricHeadlines) == 0 {
		return "(no recent metrics)"
	}
	var b strings.Builder
	for id, brief := range c.MetricHeadlines {
		fmt.Fprintf(&b, "- %s: %s\n", id, brief)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c Context) learningsSection() string {
	if len(c.Learnings) == 0 {
		return "(no learnings recorded yet)"
	}
	return strings.Join(c.Learnings, "\n")
}

func (c Context) toolsSection() string {
	if len(c.Tools) == 0 {
		return "(no tools registered)"
	}
	return strings.Join(c.Tools, ", ")
}
