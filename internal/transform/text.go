package transform

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"connector/record"
)

// Line protocol accepted by the text2json stage:
//
//	event|timestamp|host|service|state|message
//	perf|timestamp|host|datasource|value
//	downtime|timestamp|host|service|type|author|comment
//	command|type|text...
//
// The message kind is always the "type" field; the downtime type is carried
// as "downtime_type".
//
// A line may be prefixed with "oneToOne|<recipient>|", which is carried as
// the "to" field. Blank lines are dropped.

const oneToOne = "oneToOne"

var lineFields = map[string][]string{
	"event":    {"timestamp", "host", "service", "state", "message"},
	"perf":     {"timestamp", "host", "datasource", "value"},
	"downtime": {"timestamp", "host", "service", "downtime_type", "author", "comment"},
}

type textStage struct{ name string }

func (s textStage) Name() string { return s.name }

func (s textStage) Apply(_ context.Context, r *record.Transformed) (Verdict, error) {
	msg, err := ParseLine(decodeText(r.Value))
	if err != nil {
		return Reject, err
	}
	if msg == nil {
		return Drop, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return Reject, err
	}
	r.Value = b
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers["type"] = msg["type"]
	return Keep, nil
}

// ParseLine converts one protocol line into a flat object. It returns nil
// for a blank line.
func ParseLine(line string) (map[string]string, error) {
	elems := strings.Split(strings.TrimSpace(line), "|")
	out := map[string]string{}
	if len(elems) > 2 && elems[0] == oneToOne {
		out["to"] = elems[1]
		elems = elems[2:]
	}
	if len(elems) == 1 && elems[0] == "" {
		if _, ok := out["to"]; ok {
			return nil, fmt.Errorf("unknown/malformed message (type: %q)", "")
		}
		return nil, nil
	}

	typ := elems[0]
	out["type"] = typ
	if typ == "command" {
		if len(elems) < 2 {
			return nil, fmt.Errorf("unknown/malformed message (type: %q)", typ)
		}
		out["command"] = elems[1]
		out["text"] = strings.Join(elems[2:], "|")
		return out, nil
	}
	names, ok := lineFields[typ]
	if !ok || len(elems) != len(names)+1 {
		return nil, fmt.Errorf("unknown/malformed message (type: %q)", typ)
	}
	for i, n := range names {
		out[n] = elems[i+1]
	}
	return out, nil
}

// decodeText reads b as UTF-8, falling back to Latin-1 for legacy senders.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}

func init() {
	Register("text2json", func(_ context.Context, name string, _ Decode) (Stage, error) {
		return textStage{name: name}, nil
	})
}
