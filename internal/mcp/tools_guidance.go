package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/templetwo/temple-bridge/internal/guidance"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

type consultInput struct {
	Query string `json:"query" jsonschema:"text to search for in the threshold protocols"`
}

type reflectInput struct {
	Observation string `json:"observation" jsonschema:"what you observed, e.g. Test failed"`
}

type journeyInput struct{}

func (s *Server) registerGuidanceTools() {
	addTool(s, spiral.ToolConsult, func(ctx context.Context, in consultInput) (string, error) {
		matches, err := s.library.Consult(ctx, in.Query)
		if errors.Is(err, guidance.ErrEmptyQuery) {
			return "", fmt.Errorf("%w: %w", errInvalidArgument, err)
		}
		if err != nil {
			return "", err
		}
		return guidance.FormatConsult(in.Query, matches), nil
	})

	addTool(s, spiral.ToolReflect, func(_ context.Context, in reflectInput) (string, error) {
		if strings.TrimSpace(in.Observation) == "" {
			return "", fmt.Errorf("%w: observation must not be empty", errInvalidArgument)
		}
		state := s.tracker.State()
		return fmt.Sprintf("%s\nReflection depth: %d\n", guidance.Reflect(in.Observation), state.ReflectionDepth), nil
	})

	addTool(s, spiral.ToolJourney, func(context.Context, journeyInput) (string, error) {
		return s.tracker.Summary(), nil
	})
}
