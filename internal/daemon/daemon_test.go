package daemon

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/acd/internal/acd"
	"github.com/msageha/acd/internal/lock"
	"github.com/msageha/acd/internal/model"
	"github.com/msageha/acd/internal/uds"
	"github.com/msageha/acd/internal/yaml"
)

// shortDir keeps the socket path under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "acd-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	cfg := model.Config{
		Queues: []model.QueueConfig{
			{Name: "support"},
			{Name: "overflow"},
		},
		Operators: []model.OperatorConfig{
			{ID: "alice", Phones: []string{"1001"}, Queues: []string{"support"}, Active: true},
			{ID: "bob", Phones: []string{"1002"}, Queues: []string{"overflow"}, Active: false},
		},
		Media: model.MediaConfig{Endpoints: 2, AnswerDelayMs: 10},
		Sinks: model.SinksConfig{Journal: model.JournalConfig{Enabled: true}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// syncBuffer collects daemon log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startDaemon(t *testing.T, dir string, cfg model.Config) (*Daemon, *uds.Client, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	d := newDaemon(dir, cfg, logs, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	c := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	c.SetTimeout(5 * time.Second)
	return d, c, logs
}

func codeOf(err error) string {
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		return detail.Code
	}
	return ""
}

func TestDaemon_ServesControlCommands(t *testing.T) {
	dir := shortDir(t)
	d, c, _ := startDaemon(t, dir, testConfig())

	pong, err := c.Ping()
	require.NoError(t, err)
	assert.Equal(t, "ok", pong.Status)
	assert.Equal(t, os.Getpid(), pong.PID)

	res, err := c.Submit(uds.SubmitParams{Queue: "support", Priority: 1, CallerNumber: "5550100", CallerLeg: "pstn-1"})
	require.NoError(t, err)
	assert.Equal(t, "support", res.Queue)
	assert.Positive(t, res.RequestID)

	alice := d.Engine().Operator("alice")
	require.Eventually(t, func() bool {
		s := alice.Session()
		return s != nil && s.State() == model.SessionConversationStarted
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "state_queues", snap.FileType)
	require.Len(t, snap.Operators, 2)
	assert.Equal(t, "alice", snap.Operators[0].ID)
	assert.NotEmpty(t, snap.Operators[0].SessionID)

	_, err = c.Submit(uds.SubmitParams{Queue: "nowhere"})
	assert.Equal(t, uds.ErrCodeNotFound, codeOf(err))
	_, err = c.Cancel(99999)
	assert.Equal(t, uds.ErrCodeNotFound, codeOf(err))
	_, err = c.SetOperatorActive("carol", true)
	assert.Equal(t, uds.ErrCodeNotFound, codeOf(err))

	// A waiting call in overflow moves to support, where alice is busy.
	parked, err := c.Submit(uds.SubmitParams{Queue: "overflow", Priority: 2})
	require.NoError(t, err)
	_, err = c.Move(parked.RequestID, "support")
	require.NoError(t, err)
	assert.True(t, d.Engine().Queue("support").Contains(mustRequest(t, d, parked.RequestID)))

	_, err = c.SetOperatorActive("bob", true)
	require.NoError(t, err)
	assert.True(t, d.Engine().Operator("bob").IsActive())
	_, err = c.Sweep()
	require.NoError(t, err)
	_, err = c.Cancel(parked.RequestID)
	require.NoError(t, err)
}

func mustRequest(t *testing.T, d *Daemon, id int64) *acd.QueueRequest {
	t.Helper()
	r, ok := d.Engine().Request(id)
	require.True(t, ok, "request %d", id)
	return r
}

func TestDaemon_ShutdownCommandWritesStateAndReleasesLock(t *testing.T) {
	dir := shortDir(t)
	d, c, logs := startDaemon(t, dir, testConfig())

	_, err := c.Submit(uds.SubmitParams{Queue: "overflow"})
	require.NoError(t, err)
	ack, err := c.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, "shutdown_accepted", ack.Status)

	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	require.NoError(t, yaml.ValidateSchemaHeader(d.statePath(), yaml.FileTypeStateQueues))
	var snap model.StateSnapshot
	require.NoError(t, yaml.Read(d.statePath(), &snap))
	assert.Len(t, snap.Queues, 2)

	_, err = os.Stat(filepath.Join(dir, "logs", "calls.jsonl"))
	assert.NoError(t, err, "journal written")
	assert.Contains(t, logs.String(), "daemon_stopped")

	relock := lock.NewFileLock(filepath.Join(dir, "locks", "acd.lock"))
	require.NoError(t, relock.TryLock())
	relock.Unlock()
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())

	second := newDaemon(dir, testConfig(), io.Discard, nil)
	err := second.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestDaemon_RosterReload(t *testing.T) {
	dir := shortDir(t)
	roster := filepath.Join(dir, RosterFile)
	require.NoError(t, os.WriteFile(roster, []byte("operators:\n  alice: false\n  bob: true\n"), 0644))

	d, _, logs := startDaemon(t, dir, testConfig())
	assert.False(t, d.Engine().Operator("alice").IsActive())
	assert.True(t, d.Engine().Operator("bob").IsActive())

	require.NoError(t, os.WriteFile(roster, []byte("operators:\n  alice: true\n  ghost: true\n"), 0644))
	require.Eventually(t, func() bool {
		return d.Engine().Operator("alice").IsActive()
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "roster_unknown_operator")
	}, 5*time.Second, 20*time.Millisecond)

	// A broken roster keeps the current flags.
	require.NoError(t, os.WriteFile(roster, []byte("operators: [\n"), 0644))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "roster_invalid")
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, d.Engine().Operator("alice").IsActive())
}

func TestDaemon_BadSweepScheduleFailsStart(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Dispatch.SweepSchedule = "whenever"

	d := newDaemon(dir, cfg, io.Discard, nil)
	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep schedule")

	relock := lock.NewFileLock(filepath.Join(dir, "locks", "acd.lock"))
	require.NoError(t, relock.TryLock(), "failed start releases the lock")
	relock.Unlock()
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}
