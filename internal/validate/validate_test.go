package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/taskdef"
)

func good() taskdef.Raw {
	return taskdef.Raw{"bash_script": "echo ok", "schedule": "0 2 * * *"}
}

func TestValidTasks(t *testing.T) {
	v := New()
	res := v.Validate(map[string]taskdef.Raw{
		"a": good(),
		"b": {"npm_script": "build", "script_location": "web", "no_schedule": true, "run_on_load": true},
		"c": {"bash_script": []any{"a", "b"}, "schedule": "*/10 * * * * *", "timeout": float64(1000), "max_retries": float64(10), "retry_delay": float64(1000), "retry_on_failure": true},
	})
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"a", "b", "c"}, res.ValidIDs)
	assert.Equal(t, 3, res.Total)
}

func TestMalformedTaskIsIsolated(t *testing.T) {
	cases := []struct {
		name string
		task taskdef.Raw
		want string
	}{
		{"no command", taskdef.Raw{"schedule": "* * * * *"}, MsgCommand},
		{"both commands", taskdef.Raw{"bash_script": "x", "npm_script": "y", "script_location": "z", "schedule": "* * * * *"}, MsgCommand},
		{"empty script", taskdef.Raw{"bash_script": "", "schedule": "* * * * *"}, MsgCommand},
		{"empty array", taskdef.Raw{"bash_script": []any{}, "schedule": "* * * * *"}, MsgCommand},
		{"npm without location", taskdef.Raw{"npm_script": "y", "schedule": "* * * * *"}, MsgScriptLocation},
		{"no schedule", taskdef.Raw{"bash_script": "x"}, MsgSchedule},
		{"cron shape", taskdef.Raw{"bash_script": "x", "schedule": "* * *"}, "want 5 or 6 fields"},
		{"schedule type", taskdef.Raw{"bash_script": "x", "schedule": float64(5)}, "schedule must be a string"},
		{"bool type", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "run_on_load": "true"}, "run_on_load must be a boolean"},
		{"script type", taskdef.Raw{"bash_script": []any{"a", float64(1)}, "schedule": "* * * * *"}, "bash_script must be"},
		{"timeout min", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "timeout": float64(999)}, "timeout must be >= 1000"},
		{"retries max", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "max_retries": float64(11)}, "max_retries must be <= 10"},
		{"retries type", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "max_retries": "2"}, "max_retries must be a number"},
		{"delay min", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "retry_delay": float64(10)}, "retry_delay must be >= 1000"},
		{"retries fraction", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "max_retries": 2.5}, "max_retries must be an integer"},
		{"timeout max", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "timeout": 1e300}, "timeout must be <= 2147483647"},
		{"delay max", taskdef.Raw{"bash_script": "x", "schedule": "* * * * *", "retry_delay": float64(1 << 40)}, "retry_delay must be <="},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := New()
			res := v.Validate(map[string]taskdef.Raw{"bad": tc.task, "good": good()})
			assert.Equal(t, []string{"good"}, res.ValidIDs)
			require.NotEmpty(t, res.Errors)
			found := false
			for _, e := range res.Errors {
				assert.Equal(t, "bad", e.TaskID)
				if strings.Contains(e.Message, tc.want) {
					found = true
				}
			}
			assert.True(t, found, "errors %v missing %q", res.Errors, tc.want)
			assert.False(t, res.Valid("bad"))
			assert.True(t, res.Valid("good"))
		})
	}
}

func TestAllChecksReported(t *testing.T) {
	res := New().Validate(map[string]taskdef.Raw{"x": {"timeout": float64(1), "max_retries": float64(-1)}})
	assert.Len(t, res.Errors, 4)
}

func TestCronFieldCheckHook(t *testing.T) {
	v := New()
	v.CronFieldCheck = func(fields []string) error {
		if fields[0] == "99" {
			return errors.New("minute out of range")
		}
		return nil
	}
	assert.False(t, v.IsValid(taskdef.Raw{"bash_script": "x", "schedule": "99 * * * *"}))
	assert.True(t, v.IsValid(good()))
}

func TestSuggestImprovements(t *testing.T) {
	v := New()
	long := taskdef.Raw{"bash_script": []any{"1", "2", "3", "4", "5", "6"}, "no_schedule": true}
	assert.Len(t, v.SuggestImprovements("long", long), 1)

	assert.Len(t, v.SuggestImprovements("git-pull", good()), 1)
	assert.Empty(t, v.SuggestImprovements("report", good()))

	withRetry := good()
	withRetry["retry_on_failure"] = true
	assert.Empty(t, v.SuggestImprovements("git-pull", withRetry))
}
