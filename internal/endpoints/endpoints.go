// Package endpoints builds API requests from a table of endpoint definitions
// instead of one hand-written wrapper per resource.
package endpoints

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrMissingParam    = errors.New("missing parameter")
	ErrUnknownParam    = errors.New("unknown parameter")
	ErrInvalidParam    = errors.New("invalid parameter")
)

//go:embed endpoints.json
var tableJSON []byte

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Description string   `json:"description,omitempty"`
}

type Endpoint struct {
	Name         string  `json:"name"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	Description  string  `json:"description"`
	ResponseType string  `json:"responseType,omitempty"`
	Async        bool    `json:"async,omitempty"`
	Params       []Param `json:"params,omitempty"`
}

// Request is a fully resolved call, ready for the transport.
type Request struct {
	Method       string
	Path         string
	Params       map[string]any
	ResponseType string
	// Async marks calls answering with a task id.
	Async bool
	// Node is the {node} path argument, if the endpoint has one.
	Node string
}

// Table is an indexed set of endpoints.
type Table struct {
	byName map[string]Endpoint
}

var defaultTable = mustLoad(tableJSON)

func mustLoad(data []byte) *Table {
	t, err := Load(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Load parses a JSON endpoint table.
func Load(data []byte) (*Table, error) {
	var list []Endpoint
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint table: %w", err)
	}

	t := &Table{byName: make(map[string]Endpoint, len(list))}
	for _, ep := range list {
		if _, dup := t.byName[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		t.byName[ep.Name] = ep
	}
	return t, nil
}

// Default returns the built-in table.
func Default() *Table {
	return defaultTable
}

// Lookup finds an endpoint by name.
func (t *Table) Lookup(name string) (Endpoint, error) {
	ep, ok := t.byName[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// List returns all endpoints sorted by name.
func (t *Table) List() []Endpoint {
	list := make([]Endpoint, 0, len(t.byName))
	for _, ep := range t.byName {
		list = append(list, ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Build resolves name with args from the default table.
func Build(name string, args map[string]any) (Request, error) {
	ep, err := defaultTable.Lookup(name)
	if err != nil {
		return Request{}, err
	}
	return ep.Build(args)
}

// PathParams lists the placeholders of the path template in order.
func (e Endpoint) PathParams() []string {
	matches := placeholder.FindAllStringSubmatch(e.Path, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Build fills the path template from args and turns the remaining args into
// request parameters, checking them against the declared ones.
func (e Endpoint) Build(args map[string]any) (Request, error) {
	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	req := Request{
		Method:       e.Method,
		ResponseType: e.ResponseType,
		Async:        e.Async,
		Params:       map[string]any{},
	}

	var missing []string
	path := placeholder.ReplaceAllStringFunc(e.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := remaining[name]
		delete(remaining, name)
		s := ""
		if ok && v != nil {
			s = fmt.Sprint(v)
		}
		if s == "" {
			missing = append(missing, name)
			return m
		}
		if name == "node" {
			req.Node = s
		}
		return url.PathEscape(s)
	})
	if len(missing) > 0 {
		return Request{}, fmt.Errorf("%w for %s: %s", ErrMissingParam, e.Name, strings.Join(missing, ", "))
	}
	req.Path = path

	for _, p := range e.Params {
		v, ok := remaining[p.Name]
		if !ok || v == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		delete(remaining, p.Name)

		converted, err := p.convert(v)
		if err != nil {
			return Request{}, fmt.Errorf("%s: %w", e.Name, err)
		}
		req.Params[p.Name] = converted
	}
	if len(missing) > 0 {
		return Request{}, fmt.Errorf("%w for %s: %s", ErrMissingParam, e.Name, strings.Join(missing, ", "))
	}

	if len(remaining) > 0 {
		unknown := make([]string, 0, len(remaining))
		for k := range remaining {
			unknown = append(unknown, k)
		}
		sort.Strings(unknown)
		return Request{}, fmt.Errorf("%w for %s: %s", ErrUnknownParam, e.Name, strings.Join(unknown, ", "))
	}

	return req, nil
}

// convert checks v against the declared type. Strings (as typed on a command
// line) are parsed into the declared type.
func (p Param) convert(v any) (any, error) {
	switch p.Type {
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return n, nil
		case float32:
			return wholeNumber(p, float64(n))
		case float64:
			return wholeNumber(p, n)
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w %s: %q is not an integer", ErrInvalidParam, p.Name, n)
			}
			return i, nil
		case string:
			i, err := strconv.Atoi(n)
			if err != nil {
				return nil, fmt.Errorf("%w %s: %q is not an integer", ErrInvalidParam, p.Name, n)
			}
			return i, nil
		}
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%w %s: %q is not a boolean", ErrInvalidParam, p.Name, b)
			}
			return parsed, nil
		}
	case "number":
		switch f := v.(type) {
		case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return f, nil
		case json.Number:
			parsed, err := f.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w %s: %q is not a number", ErrInvalidParam, p.Name, f)
			}
			return parsed, nil
		case string:
			parsed, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w %s: %q is not a number", ErrInvalidParam, p.Name, f)
			}
			return parsed, nil
		}
	default:
		s := fmt.Sprint(v)
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return nil, fmt.Errorf("%w %s: %q not one of %s", ErrInvalidParam, p.Name, s, strings.Join(p.Enum, ", "))
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w %s: unexpected %T", ErrInvalidParam, p.Name, v)
}

// wholeNumber accepts floats without a fractional part, as decoded from JSON.
func wholeNumber(p Param, f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("%w %s: %v is not an integer", ErrInvalidParam, p.Name, f)
	}
	return int64(f), nil
}
