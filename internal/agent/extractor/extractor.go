// Package extractor holds the field extraction strategies: a chat model, the
// Gemini API and an external NER service.
package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// Kind names an extractor strategy.
type Kind string

const (
	KindLLM    Kind = "llm"
	KindGemini Kind = "gemini"
	KindNER    Kind = "ner"
)

func Kinds() []Kind {
	return []Kind{KindLLM, KindGemini, KindNER}
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

var (
	ErrUnknownKind = errors.New("unknown extractor")
	ErrNoJSON      = errors.New("no JSON object in model output")
)

// SignatoryTitles is returned by chat extraction alongside SIGNATORIES. It is
// not part of the compiled record.
const SignatoryTitles = "SIGNATORY_TITLES"

// notAvailable is what models answer for a field they could not find.
const notAvailable = "N/A"

var jsonBlock = regexp.MustCompile(`\{[\s\S]*\}`)

// extractJSONBlock returns the outermost {...} span of model output, which may
// be wrapped in prose or code fences.
func extractJSONBlock(text string) (string, bool) {
	block := jsonBlock.FindString(text)
	return block, block != ""
}

// fieldSchema accepts a string, a list of strings or null for every field,
// since models mix the three freely.
func fieldSchema() map[string]any {
	return map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "null"},
			map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
}

// CandidateSchema describes the chat model's answer.
func CandidateSchema() map[string]any {
	props := map[string]any{SignatoryTitles: fieldSchema()}
	for _, f := range record.Schema() {
		props[string(f)] = fieldSchema()
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("candidates.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("candidates.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// coerceLists turns every value into a list the way downstream code expects:
// a scalar becomes a one-item list, "N/A" and "" become empty lists, and
// "N/A" or blank items inside lists are dropped.
func coerceLists(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case []any:
			list := make([]any, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok && isBlank(s) {
					continue
				}
				list = append(list, item)
			}
			out[k] = list
		case string:
			if isBlank(val) {
				out[k] = []any{}
			} else {
				out[k] = []any{val}
			}
		case nil:
			out[k] = []any{}
		default:
			out[k] = []any{v}
		}
	}
	return out
}

func isBlank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, notAvailable)
}

// toCandidates converts coerced output, logging any field that still is not
// a list of strings.
func toCandidates(raw map[string]any, log logger.Logger) record.Candidates {
	c, violations := record.FromAny(coerceLists(raw))
	for _, v := range violations {
		log.Warn("Dropping malformed field", logger.String("field", v.Field), logger.String("got", v.Got))
	}
	return c
}
