// Package cachekey evaluates JSONPath expressions against decoded job
// arguments to derive deduplication keys.
package cachekey

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var (
	ErrNotFound    = errors.New("no value at path")
	ErrInvalidPath = errors.New("invalid JSONPath expression")
)

// Extract returns every value in args matched by path.
// args must be decoded JSON (maps, slices and scalars).
func Extract(path string, args any) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPath, path, err)
	}

	matches := expr.Get(args)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNotFound, path)
	}
	return matches, nil
}

// First returns the first value matched by path as a string. Strings are
// returned verbatim; anything else is rendered as compact JSON with object
// keys sorted, so equal values always yield the same key.
func First(path string, args any) (string, error) {
	matches, err := Extract(path, args)
	if err != nil {
		return "", err
	}
	return stringify(matches[0]), nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return oj.JSON(v, &canonical)
}

var canonical = func() ojg.Options {
	o := ojg.DefaultOptions
	o.Sort = true
	o.Indent = 0
	return o
}()

// Validate reports whether path parses as a JSONPath expression.
func Validate(path string) error {
	if _, err := jp.ParseString(path); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPath, path, err)
	}
	return nil
}
