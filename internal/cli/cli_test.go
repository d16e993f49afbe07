package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/hackops/internal/config"
	"github.com/ChuLiYu/hackops/internal/directory"
	"github.com/ChuLiYu/hackops/internal/guard"
	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/printqueue"
	"github.com/ChuLiYu/hackops/internal/snapshot"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/internal/store/badgerstore"
	"github.com/ChuLiYu/hackops/internal/transport/grpcqueue"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "hackops", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "agent", "record", "submit", "cancel", "history", "status", "export", "journal"} {
		assert.True(t, names[want], "should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
}

func TestBuildRecordCommand(t *testing.T) {
	cmd := buildRecordCommand(&rootOptions{})

	assert.Equal(t, "record", cmd.Name())
	assert.NotNil(t, cmd.RunE)
	for _, name := range []string{"staff", "location"} {
		f := cmd.Flags().Lookup(name)
		require.NotNil(t, f, "should have --%s", name)
		assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag])
	}
}

func TestServerTarget(t *testing.T) {
	tests := []struct {
		name   string
		flag   string
		listen string
		want   string
	}{
		{"port only", "", ":50051", "localhost:50051"},
		{"host and port", "", "10.0.0.5:7000", "10.0.0.5:7000"},
		{"flag wins", "booth-server:50051", ":50051", "booth-server:50051"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.Listen = tt.listen
			o := &rootOptions{server: tt.flag}
			assert.Equal(t, tt.want, o.serverTarget(cfg))
		})
	}
}

func TestLocalAgentID(t *testing.T) {
	assert.Equal(t, "booth-2", localAgentID("booth", 1))
	assert.NotEqual(t, localAgentID("", 0), localAgentID("", 0))
}

// writeConfig writes a config file into dir and returns its path.
func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hackops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startServer serves an in-memory store on a loopback port.
func startServer(t *testing.T) string {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	roster := directory.NewRoster(
		types.Participant{ID: "p-1", TeamID: "t-1", PaymentCaptured: true},
		types.Participant{ID: "p-2", TeamID: "t-1", PaymentCaptured: false},
	)
	srv := grpcqueue.NewServer(
		guard.NewRecorder(roster, s),
		printqueue.NewService(roster, s, printqueue.Namespace{Prefix: "photos"}),
		store.NewQueue(s),
		s,
	)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := grpc.NewServer()
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)
	return lis.Addr().String()
}

func TestStaffCommands(t *testing.T) {
	addr := startServer(t)
	cfgPath := writeConfig(t, t.TempDir(), "log:\n  level: error\n")
	base := []string{"-c", cfgPath, "--server", addr}
	staff := func(args ...string) (string, error) {
		return run(t, append(append([]string{}, base...), args...)...)
	}

	out, err := staff("record", "p-1", "check_in", "--staff", "alex", "--location", "front desk")
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded check_in for p-1")

	_, err = staff("record", "p-1", "swag", "--staff", "alex", "--location", "swag table")
	require.NoError(t, err)

	_, err = staff("record", "p-1", "swag", "--staff", "sam", "--location", "swag table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recorded")
	assert.Contains(t, err.Error(), "alex")

	_, err = staff("record", "p-2", "photobooth", "--staff", "sam", "--location", "booth")
	assert.ErrorIs(t, err, types.ErrCheckInRequired)

	_, err = staff("record", "p-1", "teleport", "--staff", "sam", "--location", "booth")
	assert.Error(t, err)

	out, err = staff("submit", "p-1", "photos/p-1/booth.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued print")

	_, err = staff("submit", "p-1", "photos/p-1/booth.jpg")
	assert.ErrorIs(t, err, types.ErrPrintInProgress)

	out, err = staff("history", "p-1")
	require.NoError(t, err)
	assert.Contains(t, out, "check_in")
	assert.Contains(t, out, "swag")
	assert.Contains(t, out, "pending")

	out, err = staff("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Print Jobs:")
	assert.Contains(t, out, "none reporting")
}

func TestCancelCommand(t *testing.T) {
	addr := startServer(t)
	cfgPath := writeConfig(t, t.TempDir(), "log:\n  level: error\n")

	client, err := grpcqueue.Dial(addr)
	require.NoError(t, err)
	defer client.Close()
	job, err := client.SubmitPrintJob(context.Background(), "p-1", "photos/p-1/booth.jpg")
	require.NoError(t, err)

	out, err := run(t, "-c", cfgPath, "--server", addr, "cancel", "p-1", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled print "+job.ID)

	_, err = run(t, "-c", cfgPath, "--server", addr, "cancel", "p-1", job.ID)
	assert.ErrorIs(t, err, types.ErrNotCancellable)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store")
	cfgPath := writeConfig(t, dir, "store:\n  driver: badger\n  path: "+storePath+"\nlog:\n  level: error\n")

	s, err := badgerstore.Open(storePath)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, s.AppendAction(context.Background(), types.ActionRecord{
		ID: types.NewID(now), ParticipantID: "p-1", ActionType: types.ActionCheckIn,
		RecordedAt: now, RecordedBy: "alex", Location: "front desk",
	}))
	require.NoError(t, s.InsertPrintJob(context.Background(), types.PrintJob{
		ID: types.NewID(now), ParticipantID: "p-1", PhotoReference: "photos/p-1/a.jpg",
		Status: types.StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Close())

	output := filepath.Join(dir, "out", "export.json")
	out, err := run(t, "-c", cfgPath, "export", "-o", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 actions, 1 print jobs")

	loaded, err := snapshot.NewManager(output).Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Actions, 1)
	assert.Len(t, loaded.Jobs, 1)
}

func TestJournalCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.AppendAction(types.ActionRecord{ID: "a-1", ParticipantID: "p-1", ActionType: types.ActionCheckIn}))
	require.NoError(t, j.AppendJob(journal.EventJobSubmitted, types.PrintJob{ID: "j-1", ParticipantID: "p-1", Status: types.StatusPending}))
	require.NoError(t, j.Close())

	out, err := run(t, "journal", "verify", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 events")

	out, err = run(t, "journal", "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTION_RECORDED")
	assert.Contains(t, out, "JOB_SUBMITTED")
}

func TestAgentLocalNeedsSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "store:\n  driver: badger\n  path: "+filepath.Join(dir, "store")+"\nlog:\n  level: error\n")

	_, err := run(t, "-c", cfgPath, "agent", "--local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestAgentJournalPath(t *testing.T) {
	assert.Equal(t, "data/journal-booth-1.log", agentJournalPath("data/journal.log", "booth-1"))
	assert.Equal(t, "audit-booth-1", agentJournalPath("audit", "booth-1"))
}

func TestLocalAgentJournalsTransitions(t *testing.T) {
	dir := t.TempDir()
	photoRoot := filepath.Join(dir, "photos-root")
	require.NoError(t, os.MkdirAll(filepath.Join(photoRoot, "photos", "p-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(photoRoot, "photos", "p-1", "booth.jpg"), []byte("jpeg"), 0o644))

	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.Path = filepath.Join(dir, "hackops.db")
	cfg.Store.PollInterval = 20 * time.Millisecond
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Agent.ID = "booth-1"
	cfg.Agent.Printer.Command = "true {file}"
	cfg.Agent.Printer.PhotoRoot = photoRoot
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Store)
	require.NoError(t, err)
	defer st.Close()
	now := time.Now().UTC()
	job := types.PrintJob{
		ID: types.NewID(now), ParticipantID: "p-1", PhotoReference: "photos/p-1/booth.jpg",
		Status: types.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertPrintJob(ctx, job))

	agentCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- runAgent(agentCtx, &rootOptions{}, cfg, true, "") }()

	require.Eventually(t, func() bool {
		got, err := st.GetPrintJob(ctx, job.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	var events []journal.EventType
	require.NoError(t, journal.Replay(filepath.Join(dir, "journal-booth-1.log"), func(e journal.Event) error {
		events = append(events, e.Type)
		return nil
	}))
	assert.Equal(t, []journal.EventType{journal.EventJobClaimed, journal.EventJobCompleted}, events)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "agent:\n  max_attempts: 0\n")

	_, err := run(t, "-c", cfgPath, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
