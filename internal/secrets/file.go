package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"taskrunner/internal/config"
)

// File reads a JSON or YAML map of KEY: value.
// Non-string scalars are formatted; nested values are rejected.
type File struct {
	Path string
}

func (f *File) Name() string { return "file" }

func (f *File) Fetch(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	jb, err := config.ToJSON(f.Path, b)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(jb, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if skipKey(k) {
			continue
		}
		switch x := v.(type) {
		case string:
			out[k] = x
		case float64, bool:
			out[k] = fmt.Sprint(x)
		case nil:
			out[k] = ""
		default:
			return nil, fmt.Errorf("%s: key %s: unsupported value type %T", f.Path, k, v)
		}
	}
	return out, nil
}

// skipKey drops the table key attributes.
func skipKey(k string) bool { return k == "PK" || k == "SK" }
