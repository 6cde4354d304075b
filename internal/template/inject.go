package template

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ashdyer/kiln/internal/model"
)

// seedParam is the reserved parameter name callers may use to pin a sampling
// seed on templates that declare a seed target.
const seedParam = "seed"

// Uploader resolves a local file path to a backend-native asset handle.
// Adapters implement it; lookup and direct rules never touch it.
type Uploader interface {
	UploadAsset(ctx context.Context, path string) (string, error)
}

// Inject evaluates the template's parameter mapping against the given user
// parameters and returns the backend-native payload. It is a pure function of
// its inputs (given a deterministic uploader): identical inputs always produce
// byte-identical payloads, since the document is marshaled with sorted keys.
//
// seed, when non-nil, is applied to the template's seed target unless the
// caller pinned one via the reserved "seed" parameter.
func Inject(ctx context.Context, tpl *Template, params map[string]any, seed *int64, up Uploader) ([]byte, error) {
	doc, err := deepCopy(tpl.Source)
	if err != nil {
		return nil, fmt.Errorf("copy source document: %w", err)
	}

	for target, v := range tpl.Quality {
		if err := setPath(doc, target, v); err != nil {
			return nil, model.WrapErr(model.KindValidation, err, "apply quality parameter")
		}
	}

	remaining := make(map[string]bool, len(params))
	for name := range params {
		remaining[name] = true
	}

	for _, p := range tpl.Parameters {
		v, ok := params[p.Name]
		delete(remaining, p.Name)
		if !ok {
			if p.Default != nil {
				v = p.Default
			} else if p.Required {
				return nil, model.Errf(model.KindValidation, "missing required parameter %q", p.Name)
			} else {
				continue
			}
		}

		switch p.Rule {
		case RuleDirect:
			existing, _ := getPath(doc, p.Target)
			coerced, err := coerce(existing, v)
			if err != nil {
				return nil, model.WrapErr(model.KindValidation, err, fmt.Sprintf("parameter %q", p.Name))
			}
			v = coerced
		case RuleLookup:
			token, ok := v.(string)
			if !ok {
				return nil, model.Errf(model.KindValidation, "parameter %q: lookup token must be a string", p.Name)
			}
			mapped, ok := p.Values[token]
			if !ok {
				return nil, model.Errf(model.KindValidation, "parameter %q: unrecognized token %q", p.Name, token)
			}
			v = mapped
		case RuleFileReference:
			path, ok := v.(string)
			if !ok {
				return nil, model.Errf(model.KindValidation, "parameter %q: file reference must be a path string", p.Name)
			}
			handle, err := up.UploadAsset(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("upload %q: %w", p.Name, err)
			}
			v = handle
		}

		if err := setPath(doc, p.Target, v); err != nil {
			return nil, model.WrapErr(model.KindValidation, err, fmt.Sprintf("parameter %q", p.Name))
		}
	}

	if tpl.SeedTarget != "" {
		if v, ok := params[seedParam]; ok {
			delete(remaining, seedParam)
			n, err := toInt64(v)
			if err != nil {
				return nil, model.WrapErr(model.KindValidation, err, "parameter \"seed\"")
			}
			seed = &n
		}
		if seed != nil {
			if err := setPath(doc, tpl.SeedTarget, *seed); err != nil {
				return nil, model.WrapErr(model.KindValidation, err, "apply seed")
			}
		}
	}

	if len(remaining) > 0 {
		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, model.Errf(model.KindValidation, "unknown parameters: %s", strings.Join(names, ", "))
	}

	return json.Marshal(doc)
}

// deepCopy clones a source document via a JSON round trip so injection never
// mutates the cached template.
func deepCopy(src map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkPath verifies that a dot-separated target path resolves to an existing
// field in the document.
func checkPath(doc map[string]any, path string) error {
	if _, ok := getPath(doc, path); !ok {
		return fmt.Errorf("target %q does not resolve in the workflow body", path)
	}
	return nil
}

func getPath(doc map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	cur := any(doc)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return fmt.Errorf("path %q does not traverse objects", path)
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if _, ok := cur[last]; !ok {
		return fmt.Errorf("path %q does not resolve", path)
	}
	cur[last] = v
	return nil
}

// coerce converts v to match the type of the field it replaces. Numbers and
// booleans arriving as strings are parsed; everything else must already match.
func coerce(existing, v any) (any, error) {
	switch existing.(type) {
	case float64:
		return toFloat64(v)
	case bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	case string:
		switch s := v.(type) {
		case string:
			return s, nil
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(s), nil
		case bool:
			return strconv.FormatBool(s), nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)
	default:
		// Unknown or null field types pass the value through unchanged.
		return v, nil
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toInt64(v any) (int64, error) {
	f, err := toFloat64(v)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
