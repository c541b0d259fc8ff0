package taskdef

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Task file keys.
const (
	KeyBashScript     = "bash_script"
	KeyNpmScript      = "npm_script"
	KeyScriptLocation = "script_location"
	KeySchedule       = "schedule"
	KeyNoSchedule     = "no_schedule"
	KeyRunOnLoad      = "run_on_load"
	KeyTimeout        = "timeout"
	KeyRetryOnFailure = "retry_on_failure"
	KeyMaxRetries     = "max_retries"
	KeyRetryDelay     = "retry_delay"
)

// MaxMillis bounds timeout and retry_delay (2^31-1 ms, about 24.8 days).
const MaxMillis = math.MaxInt32

// Raw is one undecoded task entry as read from the task file.
type Raw = map[string]any

// Definition is a parsed, immutable task definition.
// The remaining retry budget is tracked by the scheduler, not here.
type Definition struct {
	ID string

	// Exactly one of Script / NpmScript is set.
	Script         string
	NpmScript      string
	ScriptLocation string

	Schedule   string
	NoSchedule bool
	RunOnLoad  bool

	Timeout        time.Duration // 0 = none
	RetryOnFailure bool
	MaxRetries     int
	RetryDelay     time.Duration // 0 = scheduler default
}

// Recurring reports whether the task gets a recurring trigger.
func (d Definition) Recurring() bool {
	return !d.NoSchedule && strings.TrimSpace(d.Schedule) != ""
}

// IsNpm reports whether the task runs a package script.
func (d Definition) IsNpm() bool { return d.NpmScript != "" }

// Decode converts a raw task entry into a Definition.
// The entry is expected to have passed validation; type mismatches are
// reported rather than silently zeroed.
func Decode(id string, raw Raw) (Definition, error) {
	d := Definition{ID: id}
	var err error

	if d.Script, err = ScriptBody(raw[KeyBashScript]); err != nil {
		return d, fmt.Errorf("task %s: %s: %w", id, KeyBashScript, err)
	}
	strs := []struct {
		key string
		dst *string
	}{
		{KeyNpmScript, &d.NpmScript},
		{KeyScriptLocation, &d.ScriptLocation},
		{KeySchedule, &d.Schedule},
	}
	for _, s := range strs {
		v, ok := raw[s.key]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return d, fmt.Errorf("task %s: %s: want string, got %T", id, s.key, v)
		}
		*s.dst = strings.TrimSpace(str)
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{KeyNoSchedule, &d.NoSchedule},
		{KeyRunOnLoad, &d.RunOnLoad},
		{KeyRetryOnFailure, &d.RetryOnFailure},
	}
	for _, b := range bools {
		v, ok := raw[b.key]
		if !ok || v == nil {
			continue
		}
		bv, ok := v.(bool)
		if !ok {
			return d, fmt.Errorf("task %s: %s: want bool, got %T", id, b.key, v)
		}
		*b.dst = bv
	}

	if d.Timeout, err = millis(raw, KeyTimeout); err != nil {
		return d, fmt.Errorf("task %s: %w", id, err)
	}
	if d.RetryDelay, err = millis(raw, KeyRetryDelay); err != nil {
		return d, fmt.Errorf("task %s: %w", id, err)
	}
	if n, ok, err := number(raw, KeyMaxRetries); err != nil {
		return d, fmt.Errorf("task %s: %w", id, err)
	} else if ok {
		if n != math.Trunc(n) || n < 0 {
			return d, fmt.Errorf("task %s: %s: want a non-negative integer, got %g", id, KeyMaxRetries, n)
		}
		d.MaxRetries = int(n)
	}
	return d, nil
}

// millis reads a millisecond value in [0, MaxMillis].
func millis(raw Raw, key string) (time.Duration, error) {
	ms, ok, err := number(raw, key)
	if err != nil || !ok {
		return 0, err
	}
	if ms < 0 || ms > MaxMillis {
		return 0, fmt.Errorf("%s: %g ms out of range", key, ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// ScriptBody normalizes a bash_script value: a string is returned as is,
// an array of strings is joined with newlines. nil yields "".
func ScriptBody(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []string:
		return strings.Join(x, "\n"), nil
	case []any:
		lines := make([]string, 0, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return "", fmt.Errorf("line %d: want string, got %T", i, e)
			}
			lines = append(lines, s)
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("want string or array of strings, got %T", v)
	}
}

// ScriptLines returns the number of lines in a bash_script value.
func ScriptLines(v any) int {
	switch x := v.(type) {
	case string:
		if x == "" {
			return 0
		}
		return strings.Count(x, "\n") + 1
	case []string:
		return len(x)
	case []any:
		return len(x)
	}
	return 0
}

func number(raw Raw, key string) (float64, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok := AsNumber(v)
	if !ok {
		return 0, false, fmt.Errorf("%s: want number, got %T", key, v)
	}
	return n, true, nil
}

// AsNumber accepts the numeric types produced by JSON and YAML decoders.
func AsNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
