package pipeline

import (
	"context"
	"strings"

	"github.com/routecodex/routecodex/internal/routeerr"
)

// ShapeFilter is the provider-family-specific normalization config
// selected by provider profile: dropping empty tool arrays some
// providers reject outright, generalized into a declarative rule set
// instead of one hardcoded rewriter.
type ShapeFilter struct {
	DropEmptyTools   bool
	FieldRenames     map[string]string // canonical field name -> provider-expected name, informational for Provider stage
	MaxToolNameLen   int
	RequireSafeMode  bool // reject requests containing disallowed content markers
	DisallowedPhrase []string
}

// Compatibility is the provider-family normalization slot. It performs
// no I/O.
type Compatibility struct {
	moduleID string
	filter   ShapeFilter
}

// NewCompatibility constructs the normalization module for one
// provider family's shape filter.
func NewCompatibility(filter ShapeFilter) *Compatibility {
	return &Compatibility{moduleID: "compatibility", filter: filter}
}

func (m *Compatibility) Initialize(ctx context.Context) error { return nil }
func (m *Compatibility) Cleanup() error                       { return nil }

func (m *Compatibility) ProcessIncoming(ctx context.Context, env *Envelope) (*Envelope, error) {
	if m.filter.DropEmptyTools && len(env.Tools) > 0 {
		kept := env.Tools[:0]
		for _, t := range env.Tools {
			if t.Name != "" {
				kept = append(kept, t)
			}
		}
		env.Tools = kept
	}

	if m.filter.MaxToolNameLen > 0 {
		for i, t := range env.Tools {
			if len(t.Name) > m.filter.MaxToolNameLen {
				env.Tools[i].Name = t.Name[:m.filter.MaxToolNameLen]
			}
		}
	}

	if m.filter.RequireSafeMode {
		if blocked, phrase := containsDisallowed(env.Messages, m.filter.DisallowedPhrase); blocked {
			return nil, routeerr.New(routeerr.CodeBadRequest, "request rejected by safe-mode filter").
				WithSeries(routeerr.SeriesFatal).
				WithHTTPStatus(400).
				WithRequestID(env.RequestID).
				WithDetail("phrase", phrase)
		}
	}

	return env, nil
}

// ProcessOutgoing is a no-op: shape normalization only applies to
// what is sent upstream, not to the already-canonical response
// LLMSwitch will re-serialize.
func (m *Compatibility) ProcessOutgoing(ctx context.Context, env *Envelope) (*Envelope, error) {
	return env, nil
}

func containsDisallowed(msgs []Message, phrases []string) (bool, string) {
	for _, msg := range msgs {
		for _, p := range phrases {
			if p != "" && strings.Contains(msg.Content, p) {
				return true, p
			}
		}
	}
	return false, ""
}
