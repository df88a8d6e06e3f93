package source

import (
	"context"
	"fmt"
)

// Factory builds a configured Adapter (kafka, postgres, ...).
type Factory func(ctx context.Context, decode Decode) (Adapter, error)

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a configured driver by name.
func New(ctx context.Context, name string, decode Decode) (Adapter, error) {
	if f, ok := registry[name]; ok {
		return f(ctx, decode)
	}
	return nil, fmt.Errorf("source: unsupported kind %q", name)
}
