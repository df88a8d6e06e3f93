package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"connector/record"
)

func TestDeliverRaw(t *testing.T) {
	var buf bytes.Buffer
	d := New(Config{PrintCounter: true}, &buf)
	out, err := d.Deliver(context.Background(), "orders/0", []record.Transformed{
		{Value: []byte("a"), Cursor: "1"},
		{Value: []byte("b"), Cursor: "2"},
	})
	if err != nil || out != nil {
		t.Fatalf("deliver: %v %v", out, err)
	}
	want := "[sink 000001] orders/0@1 a\n[sink 000002] orders/0@2 b\n"
	if buf.String() != want {
		t.Fatalf("want %q, got %q", want, buf.String())
	}
}

func TestDeliverJSON(t *testing.T) {
	var buf bytes.Buffer
	d := New(Config{Format: "json"}, &buf)
	_, err := d.Deliver(context.Background(), "p", []record.Transformed{
		{Key: []byte("k"), Value: []byte(`{"n":1}`), Cursor: "7"},
		{Value: []byte("plain"), Cursor: "8"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %q", buf.String())
	}
	if lines[0] != `{"partition":"p","cursor":"7","key":"k","value":{"n":1}}` {
		t.Fatalf("unexpected json line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"text":"plain"`) {
		t.Fatalf("non-json value must be carried as text: %s", lines[1])
	}
}
