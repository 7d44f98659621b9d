package llm

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Schema describes the JSON shape a stage expects back from the model.
type Schema[T any] struct {
	Name string
	// Check runs after decoding and struct validation.
	Check func(*T) error
}

// Parse extracts the JSON payload from text and decodes it into T.
func (s Schema[T]) Parse(text string) (T, error) {
	var v T
	payload, err := extractJSON(text)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", s.Name, err)
	}
	if err := validateValue(reflect.ValueOf(&v).Elem()); err != nil {
		return v, fmt.Errorf("validate %s: %w", s.Name, err)
	}
	if s.Check != nil {
		if err := s.Check(&v); err != nil {
			return v, fmt.Errorf("check %s: %w", s.Name, err)
		}
	}
	return v, nil
}

// validateValue runs struct validation on v, or on each element when v is
// a slice of structs.
func validateValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Struct:
		return validate.Struct(v.Interface())
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := validateValue(v.Index(i)); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	return nil
}

var errNoJSON = errors.New("no JSON value in response")

// extractJSON strips code fences and surrounding prose from a model response
// and returns the first complete JSON object or array.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", errNoJSON
	}
	end := matchingClose(text, start)
	if end < 0 {
		return "", fmt.Errorf("unterminated JSON value in response")
	}
	return text[start : end+1], nil
}

// matchingClose returns the index of the bracket closing text[start],
// skipping brackets inside strings.
func matchingClose(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
