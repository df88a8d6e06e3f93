package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"connector/record"
)

var errNotObject = errors.New("payload is not a JSON object")

func decodeObject(r *record.Transformed) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(r.Value, &obj); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

func encodeObject(r *record.Transformed, obj map[string]any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	r.Value = b
	return nil
}

// lookup walks a dotted path through nested objects.
func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

/* ───────────── json_validate ───────────── */

type validateStage struct{ name string }

func (s validateStage) Name() string { return s.name }
func (s validateStage) Apply(_ context.Context, r *record.Transformed) (Verdict, error) {
	if !json.Valid(r.Value) {
		return Reject, errors.New("invalid json")
	}
	return Keep, nil
}

/* ───────────── json_set ───────────── */

type SetConfig struct {
	Fields map[string]any `yaml:"fields"`
}

type setStage struct {
	name string
	cfg  SetConfig
}

func (s setStage) Name() string { return s.name }
func (s setStage) Apply(_ context.Context, r *record.Transformed) (Verdict, error) {
	obj, err := decodeObject(r)
	if err != nil {
		return Reject, err
	}
	for k, v := range s.cfg.Fields {
		obj[k] = v
	}
	return Keep, encodeObject(r, obj)
}

/* ───────────── json_drop ───────────── */

type DropConfig struct {
	Fields []string `yaml:"fields"`
}

type dropStage struct {
	name string
	cfg  DropConfig
}

func (s dropStage) Name() string { return s.name }
func (s dropStage) Apply(_ context.Context, r *record.Transformed) (Verdict, error) {
	obj, err := decodeObject(r)
	if err != nil {
		return Reject, err
	}
	for _, k := range s.cfg.Fields {
		delete(obj, k)
	}
	return Keep, encodeObject(r, obj)
}

/* ───────────── filter ───────────── */

// FilterConfig keeps records whose field equals one of Values. Negate
// inverts the match. Records missing the field are dropped unless Negate.
type FilterConfig struct {
	Field  string   `yaml:"field"`
	Values []string `yaml:"values"`
	Negate bool     `yaml:"negate"`
}

type filterStage struct {
	name string
	cfg  FilterConfig
}

func (s filterStage) Name() string { return s.name }
func (s filterStage) Apply(_ context.Context, r *record.Transformed) (Verdict, error) {
	obj, err := decodeObject(r)
	if err != nil {
		return Reject, err
	}
	match := false
	if v, ok := lookup(obj, s.cfg.Field); ok {
		got := fmt.Sprint(v)
		for _, want := range s.cfg.Values {
			if got == want {
				match = true
				break
			}
		}
	}
	if match != s.cfg.Negate {
		return Keep, nil
	}
	return Drop, nil
}

func init() {
	Register("json_validate", func(_ context.Context, name string, _ Decode) (Stage, error) {
		return validateStage{name: name}, nil
	})
	Register("json_set", func(_ context.Context, name string, decode Decode) (Stage, error) {
		var cfg SetConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.Fields) == 0 {
			return nil, fmt.Errorf("%s: fields required", name)
		}
		return setStage{name: name, cfg: cfg}, nil
	})
	Register("json_drop", func(_ context.Context, name string, decode Decode) (Stage, error) {
		var cfg DropConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		return dropStage{name: name, cfg: cfg}, nil
	})
	Register("filter", func(_ context.Context, name string, decode Decode) (Stage, error) {
		var cfg FilterConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.Field == "" {
			return nil, fmt.Errorf("%s: field required", name)
		}
		return filterStage{name: name, cfg: cfg}, nil
	})
}
