// Package llm wraps text generation behind a single fallible call.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// #region generator
// Generator returns a completion for a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, system, user string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// ErrAPIKeyRequired is returned when a provider has no credentials.
var ErrAPIKeyRequired = errors.New("API key required")

// ErrDisabled is returned by a nil or unconfigured generator.
var ErrDisabled = errors.New("generator disabled")

// #endregion generator

// #region extract-json
var objectRe = regexp.MustCompile(`\{[\s\S]*\}`)

// ExtractJSON decodes the completion as JSON, falling back to the outermost
// {...} span when the model wrapped it in prose or fences.
func ExtractJSON(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	m := objectRe.FindString(text)
	if m == "" {
		return nil, errors.New("no JSON object in completion")
	}
	if err := json.Unmarshal([]byte(m), &v); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return v, nil
}

// #endregion extract-json
