package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestNopLoggerIsSafe(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("ignored", String("k", "v"))
	Nop().Error("ignored")
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Duration("d", time.Second))

	out := buf.String()
	assert.Contains(t, out, `"comp":"test"`)
	assert.Contains(t, out, `"n":3`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestFormatAlertSortsFields(t *testing.T) {
	msg := formatAlert([]byte(`{"level":"error","message":"task failed","task":"a","err":"boom","time":"x"}`))
	lines := strings.Split(msg, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[ERROR] task failed", lines[0])
	assert.Equal(t, "- err=boom", lines[1])
	assert.Equal(t, "- task=a", lines[2])
}

func TestAlertSinkRespectsMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/out.log"},
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("not forwarded")
	log.Error("forwarded", String("task", "nightly"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.msgs[0], "forwarded")
	assert.Contains(t, sender.msgs[0], "task=nightly")
}
