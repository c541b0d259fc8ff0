// Package validate checks raw task entries against the task schema.
//
// Every check runs for every task so all violations are reported at once,
// and an invalid task never affects its siblings.
package validate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"taskrunner/internal/taskdef"
)

// Error is one schema violation.
type Error struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

func (e Error) Error() string { return fmt.Sprintf("task %s: %s", e.TaskID, e.Message) }

// Result of validating a task set.
type Result struct {
	ValidIDs []string // sorted
	Errors   []Error  // grouped by task id in sorted order
	Total    int
}

// Valid reports whether id passed validation.
func (r Result) Valid(id string) bool {
	i := sort.SearchStrings(r.ValidIDs, id)
	return i < len(r.ValidIDs) && r.ValidIDs[i] == id
}

const (
	MsgCommand        = "must have either a shell script or an npm-style script"
	MsgScriptLocation = "npm_script requires script_location"
	MsgSchedule       = "must have a schedule or no_schedule=true"
)

var retryKeywords = []string{"init", "pull", "update", "start", "restart"}

// Validator validates raw task entries.
type Validator struct {
	// CronFieldCheck, when set, validates individual cron fields after the
	// shape check passed. Nil means only the field count is checked.
	CronFieldCheck func(fields []string) error
}

func New() *Validator { return &Validator{} }

// Validate checks every task in tasks.
func (v *Validator) Validate(tasks map[string]taskdef.Raw) Result {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := Result{Total: len(ids), ValidIDs: []string{}}
	for _, id := range ids {
		msgs := v.check(tasks[id])
		if len(msgs) == 0 {
			res.ValidIDs = append(res.ValidIDs, id)
			continue
		}
		for _, m := range msgs {
			res.Errors = append(res.Errors, Error{TaskID: id, Message: m})
		}
	}
	return res
}

// IsValid reports whether a single task passes every check.
func (v *Validator) IsValid(task taskdef.Raw) bool {
	return len(v.check(task)) == 0
}

func (v *Validator) check(t taskdef.Raw) []string {
	var msgs []string

	hasShell := present(t[taskdef.KeyBashScript])
	hasNpm := present(t[taskdef.KeyNpmScript])
	if hasShell == hasNpm {
		msgs = append(msgs, MsgCommand)
	}
	if hasNpm && !present(t[taskdef.KeyScriptLocation]) {
		msgs = append(msgs, MsgScriptLocation)
	}
	noSchedule, _ := t[taskdef.KeyNoSchedule].(bool)
	if !present(t[taskdef.KeySchedule]) && !noSchedule {
		msgs = append(msgs, MsgSchedule)
	}
	return append(msgs, v.schema(t)...)
}

func (v *Validator) schema(t taskdef.Raw) []string {
	var msgs []string
	if s, ok := t[taskdef.KeySchedule]; ok && s != nil {
		str, isStr := s.(string)
		switch {
		case !isStr:
			msgs = append(msgs, "schedule must be a string")
		default:
			if err := v.checkCron(str); err != nil {
				msgs = append(msgs, err.Error())
			}
		}
	}
	for _, k := range []string{taskdef.KeyRunOnLoad, taskdef.KeyNoSchedule, taskdef.KeyRetryOnFailure} {
		if x, ok := t[k]; ok && x != nil {
			if _, isBool := x.(bool); !isBool {
				msgs = append(msgs, k+" must be a boolean")
			}
		}
	}
	if x, ok := t[taskdef.KeyBashScript]; ok && x != nil {
		if _, err := taskdef.ScriptBody(x); err != nil {
			msgs = append(msgs, "bash_script must be a string or an array of strings")
		}
	}
	for _, k := range []string{taskdef.KeyNpmScript, taskdef.KeyScriptLocation} {
		if x, ok := t[k]; ok && x != nil {
			if _, isStr := x.(string); !isStr {
				msgs = append(msgs, k+" must be a string")
			}
		}
	}
	msgs = appendNumber(msgs, t, taskdef.KeyTimeout, 1000, taskdef.MaxMillis, false)
	msgs = appendNumber(msgs, t, taskdef.KeyMaxRetries, 0, 10, true)
	msgs = appendNumber(msgs, t, taskdef.KeyRetryDelay, 1000, taskdef.MaxMillis, false)
	return msgs
}

func (v *Validator) checkCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("invalid cron expression %q: want 5 or 6 fields, got %d", expr, len(fields))
	}
	if v.CronFieldCheck != nil {
		if err := v.CronFieldCheck(fields); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
	}
	return nil
}

// appendNumber checks lo <= value <= hi, and that value is whole when
// integer is set.
func appendNumber(msgs []string, t taskdef.Raw, key string, lo, hi float64, integer bool) []string {
	x, ok := t[key]
	if !ok || x == nil {
		return msgs
	}
	n, isNum := taskdef.AsNumber(x)
	switch {
	case !isNum:
		return append(msgs, key+" must be a number")
	case integer && n != math.Trunc(n):
		return append(msgs, key+" must be an integer")
	case n < lo:
		return append(msgs, key+" must be >= "+strconv.FormatFloat(lo, 'f', -1, 64))
	case n > hi:
		return append(msgs, key+" must be <= "+strconv.FormatFloat(hi, 'f', -1, 64))
	}
	return msgs
}

// present treats nil, "" and empty arrays as unset.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	}
	return true
}

// SuggestImprovements returns non-blocking advice for a task.
func (v *Validator) SuggestImprovements(id string, t taskdef.Raw) []string {
	var out []string
	if taskdef.ScriptLines(t[taskdef.KeyBashScript]) > 5 && !present(t[taskdef.KeyTimeout]) {
		out = append(out, "consider adding a timeout for long shell scripts")
	}
	retry, _ := t[taskdef.KeyRetryOnFailure].(bool)
	if present(t[taskdef.KeySchedule]) && !retry {
		lid := strings.ToLower(id)
		for _, kw := range retryKeywords {
			if strings.Contains(lid, kw) {
				out = append(out, "consider enabling retry_on_failure for critical task")
				break
			}
		}
	}
	return out
}
