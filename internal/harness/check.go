package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Response is what a check predicate sees.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Check is a named assertion over a response.
type Check struct {
	Name      string
	Predicate func(*Response) bool
}

// CheckSpec is the declarative form of a check.
type CheckSpec struct {
	// Name reported in aggregates. Generated from the other fields if empty.
	Name string

	// Type: "status", "body", "header", "json", "schema", "duration"
	Type string

	// Condition: "eq", "ne", "gt", "lt", "gte", "lte", "contains", "matches",
	// "exists", "not-empty"
	Condition string

	// Value is the expected value. For "schema" checks it holds the schema.
	Value string

	// Path is the header name for "header" checks and the gjson path for
	// "json" checks.
	Path string
}

// Supported check types and conditions.
var (
	CheckTypes      = []string{"status", "body", "header", "json", "schema", "duration"}
	CheckConditions = []string{"eq", "ne", "gt", "lt", "gte", "lte", "contains", "matches", "exists", "not-empty"}
)

// StatusCheck passes when the response status equals code.
func StatusCheck(name string, code int) Check {
	return Check{
		Name:      name,
		Predicate: func(r *Response) bool { return r.StatusCode == code },
	}
}

// NonEmptyBodyCheck passes when the response body has at least one byte.
func NonEmptyBodyCheck(name string) Check {
	return Check{
		Name:      name,
		Predicate: func(r *Response) bool { return len(r.Body) > 0 },
	}
}

// BuildCheck compiles a CheckSpec into a Check. Regular expressions and JSON
// schemas are compiled once here, not per response.
func BuildCheck(spec CheckSpec) (Check, error) {
	name := spec.Name
	if name == "" {
		name = defaultCheckName(spec)
	}
	cond := spec.Condition

	var pred func(*Response) bool
	var err error

	switch spec.Type {
	case "status":
		if cond == "" {
			cond = "eq"
		}
		var want float64
		want, err = strconv.ParseFloat(spec.Value, 64)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: status value %q is not a number", name, spec.Value)
		}
		if !isOrdering(cond) {
			return Check{}, fmt.Errorf("check %q: condition %q not supported for status", name, cond)
		}
		pred = func(r *Response) bool { return compareNumbers(float64(r.StatusCode), cond, want) }

	case "body":
		if cond == "" {
			cond = "not-empty"
		}
		var match func(string) bool
		match, err = stringMatcher(cond, spec.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: %w", name, err)
		}
		pred = func(r *Response) bool { return match(string(r.Body)) }

	case "header":
		if spec.Path == "" {
			return Check{}, fmt.Errorf("check %q: header checks need a path (header name)", name)
		}
		if cond == "" {
			cond = "eq"
		}
		header := spec.Path
		if cond == "exists" {
			pred = func(r *Response) bool { return r.Header.Get(header) != "" }
			break
		}
		var match func(string) bool
		match, err = stringMatcher(cond, spec.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: %w", name, err)
		}
		pred = func(r *Response) bool { return match(r.Header.Get(header)) }

	case "json":
		pred, err = jsonPathPredicate(spec.Path, cond, spec.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: %w", name, err)
		}

	case "schema":
		var schema *jsonschema.Schema
		schema, err = compileSchema(spec.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: %w", name, err)
		}
		pred = func(r *Response) bool {
			var doc interface{}
			if err := json.Unmarshal(r.Body, &doc); err != nil {
				return false
			}
			return schema.Validate(doc) == nil
		}

	case "duration":
		if cond == "" {
			cond = "lt"
		}
		var limit time.Duration
		limit, err = time.ParseDuration(spec.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: invalid duration %q", name, spec.Value)
		}
		if !isOrdering(cond) {
			return Check{}, fmt.Errorf("check %q: condition %q not supported for duration", name, cond)
		}
		pred = func(r *Response) bool { return compareNumbers(float64(r.Duration), cond, float64(limit)) }

	default:
		return Check{}, fmt.Errorf("check %q: unknown type %q", name, spec.Type)
	}

	return Check{Name: name, Predicate: pred}, nil
}

func defaultCheckName(spec CheckSpec) string {
	parts := []string{spec.Type}
	if spec.Path != "" {
		parts = append(parts, spec.Path)
	}
	if spec.Condition != "" {
		parts = append(parts, spec.Condition)
	}
	if spec.Value != "" && spec.Type != "schema" {
		parts = append(parts, spec.Value)
	}
	return strings.Join(parts, " ")
}

func isOrdering(cond string) bool {
	switch cond {
	case "eq", "ne", "gt", "lt", "gte", "lte":
		return true
	}
	return false
}

func compareNumbers(actual float64, cond string, want float64) bool {
	switch cond {
	case "eq":
		return actual == want
	case "ne":
		return actual != want
	case "gt":
		return actual > want
	case "lt":
		return actual < want
	case "gte":
		return actual >= want
	case "lte":
		return actual <= want
	}
	return false
}

func stringMatcher(cond, value string) (func(string) bool, error) {
	switch cond {
	case "eq":
		return func(s string) bool { return s == value }, nil
	case "ne":
		return func(s string) bool { return s != value }, nil
	case "contains":
		return func(s string) bool { return strings.Contains(s, value) }, nil
	case "not-empty":
		return func(s string) bool { return len(s) > 0 }, nil
	case "matches":
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", value, err)
		}
		return re.MatchString, nil
	}
	return nil, fmt.Errorf("condition %q not supported for strings", cond)
}

// jsonPathPredicate evaluates a gjson path against the body. A leading "$."
// is accepted so JSONPath-style paths work too.
func jsonPathPredicate(path, cond, value string) (func(*Response) bool, error) {
	if path == "" {
		return nil, fmt.Errorf("json checks need a path")
	}
	gpath := strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if cond == "" {
		cond = "exists"
	}

	if cond == "exists" {
		return func(r *Response) bool { return gjson.GetBytes(r.Body, gpath).Exists() }, nil
	}

	if isOrdering(cond) {
		if want, err := strconv.ParseFloat(value, 64); err == nil {
			return func(r *Response) bool {
				res := gjson.GetBytes(r.Body, gpath)
				if !res.Exists() || res.Type != gjson.Number {
					return false
				}
				return compareNumbers(res.Float(), cond, want)
			}, nil
		}
		if cond != "eq" && cond != "ne" {
			return nil, fmt.Errorf("condition %q needs a numeric value, got %q", cond, value)
		}
	}

	match, err := stringMatcher(cond, value)
	if err != nil {
		return nil, err
	}
	return func(r *Response) bool {
		res := gjson.GetBytes(r.Body, gpath)
		if !res.Exists() {
			return false
		}
		return match(res.String())
	}, nil
}

func compileSchema(schemaText string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schemaText) == "" {
		return nil, fmt.Errorf("schema checks need a schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader([]byte(schemaText))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}
