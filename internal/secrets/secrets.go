// Package secrets seeds process environment variables from a secrets
// provider before every reconciliation pass.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	logx "taskrunner/pkg/logx"
)

// Provider fetches a flat KEY -> value map.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (map[string]string, error)
}

type Config struct {
	Driver   string // none | dynamodb | file
	Table    string
	ItemID   string
	Region   string
	Endpoint string // non-empty: LocalStack-style endpoint with static test credentials
	Path     string
}

// Open returns the configured provider.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return None{}, nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("secrets: file driver requires a path")
		}
		return &File{Path: cfg.Path}, nil
	case "dynamodb":
		return NewDynamoDB(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("secrets: unknown driver %q", cfg.Driver)
	}
}

// None provides nothing; the runner relies on the existing environment.
type None struct{}

func (None) Name() string { return "none" }

func (None) Fetch(context.Context) (map[string]string, error) { return nil, nil }

// Setenv is swapped in tests.
var Setenv = os.Setenv

// Apply fetches secrets and exports them into the process environment.
// It returns the exported keys, sorted. On error the environment is left
// as it was.
func Apply(ctx context.Context, p Provider) ([]string, error) {
	vals, err := p.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets %s: %w", p.Name(), err)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := Setenv(k, vals[k]); err != nil {
			return nil, fmt.Errorf("secrets %s: setenv %s: %w", p.Name(), k, err)
		}
	}
	return keys, nil
}
