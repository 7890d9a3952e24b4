package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/templetwo/temple-bridge/internal/audit"
	"github.com/templetwo/temple-bridge/internal/config"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/spiral"
	"github.com/templetwo/temple-bridge/internal/telemetry"
)

// execute runs the root command with args after restoring flag variables
// to their defaults.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	auditJournalPath, auditLines, auditOutputJSON = "", 20, false
	propStorePath, propOutput, propStatuses = "", outputTable, nil
	propApprover, propReason = "cli", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// isolate points HOME and the data directory at temp dirs so nothing
// touches the real configuration.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	data := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TEMPLE_PATHS_DATA", data)
	t.Setenv("TEMPLE_LOGGING_LEVEL", "error")
	t.Setenv("TEMPLE_AUDIT_NO_SYNC", "true")
	return data
}

func scatteredTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		dir := root
		for d := 0; d < i%4; d++ {
			dir = filepath.Join(dir, fmt.Sprintf("level%d", d))
		}
		require.NoError(t, os.MkdirAll(dir, 0o755))
		name := fmt.Sprintf("note_%03d.ext%02d", i, i%20)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return root
}

// seedPending stores a pending proposal for a fresh scattered tree and
// returns its id and source directory.
func seedPending(t *testing.T) (string, string) {
	t.Helper()
	t.Setenv("TEMPLE_DETECTION_MAX_FILES", "5")
	cfg, err := config.LoadWithFile("")
	require.NoError(t, err)

	opts := engineOptions(cfg, prometheus.NewRegistry(), zap.NewNop())
	opts.Watch = false
	engine, err := governance.Open(context.Background(), opts)
	require.NoError(t, err)
	defer engine.Close()

	source := scatteredTree(t, 40)
	out, err := engine.Request(context.Background(), source, "")
	require.NoError(t, err)
	require.NotNil(t, out.Proposal)
	require.Equal(t, proposal.StatusPending, out.Proposal.Status)
	return out.Proposal.ID, source
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "temple-bridge "+version)
	assert.Contains(t, buf.String(), "commit: "+gitCommit)

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "built:")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than max", input: "hello", maxLen: 10, want: "hello"},
		{name: "equal to max", input: "hello", maxLen: 5, want: "hello"},
		{name: "longer than max", input: "hello world", maxLen: 8, want: "hello..."},
		{name: "very short max", input: "hello", maxLen: 3, want: "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.input, tt.maxLen))
		})
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses([]string{"pending", " Rejected "})
	require.NoError(t, err)
	assert.Equal(t, []proposal.Status{proposal.StatusPending, proposal.StatusRejected}, got)

	_, err = parseStatuses([]string{"maybe"})
	assert.Error(t, err)
}

func TestValidateOutput(t *testing.T) {
	for _, f := range []string{outputTable, outputJSON, outputYAML} {
		assert.NoError(t, validateOutput(f))
	}
	assert.Error(t, validateOutput("xml"))
}

func TestEngineOptions_MapsConfig(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreConfig{Path: "/var/lib/temple/proposals.db"},
		Detection: config.DetectionConfig{
			MaxFiles:        10,
			MaxDiversity:    0.5,
			SubdivideAbove:  7,
			MergeDuplicates: true,
			Exclude:         []string{"node_modules"},
		},
		Deliberation: config.DeliberationConfig{
			MinReversibility: 0.9,
			MergeWeight:      0.1,
			OverwriteWeight:  0.3,
			DeleteWeight:     0.05,
		},
		Watch: config.WatchConfig{Enabled: true, Debounce: config.Duration(time.Second)},
	}
	reg := prometheus.NewRegistry()

	opts := engineOptions(cfg, reg, zap.NewNop())
	assert.Equal(t, "/var/lib/temple/proposals.db", opts.StorePath)
	assert.Equal(t, 10, opts.Thresholds.MaxFiles)
	assert.Equal(t, 0.5, opts.Thresholds.MaxDiversity)
	assert.Equal(t, 7, opts.Plan.SubdivideAbove)
	assert.True(t, opts.Plan.MergeDuplicates)
	assert.False(t, opts.Plan.PruneEmptyDirs)
	assert.Equal(t, 0.9, opts.Policy.MinReversibility)
	assert.Equal(t, 0.3, opts.Policy.Weights.Overwrite)
	assert.Equal(t, []string{"node_modules"}, opts.Exclude)
	assert.Equal(t, governance.DefaultOptions().IgnoreFiles, opts.IgnoreFiles)
	assert.True(t, opts.Watch)
	assert.Equal(t, time.Second, opts.WatchDebounce)
	assert.Same(t, reg, opts.Registerer)
}

type fakeRunner struct {
	run func(ctx context.Context) error
}

func (f fakeRunner) Run(ctx context.Context) error { return f.run(ctx) }

func TestServe_StopsMetricsWhenSessionEnds(t *testing.T) {
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), fakeRunner{run: func(context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil
		}}, "127.0.0.1:0", metricsRouter(nil, zap.NewNop()), time.Second, zap.NewNop())
	}()

	<-started
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the session ended")
	}
}

func TestServe_PropagatesSessionError(t *testing.T) {
	boom := errors.New("transport closed")
	err := serve(context.Background(), fakeRunner{run: func(context.Context) error { return boom }},
		"", nil, time.Second, zap.NewNop())
	assert.ErrorIs(t, err, boom)
}

func TestServe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := serve(ctx, fakeRunner{run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}, "127.0.0.1:0", metricsRouter(nil, zap.NewNop()), time.Second, zap.NewNop())
	assert.NoError(t, err)
}

func TestServe_ListenFailure(t *testing.T) {
	err := serve(context.Background(), fakeRunner{run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}, "256.0.0.1:99999", metricsRouter(nil, zap.NewNop()), time.Second, zap.NewNop())
	assert.Error(t, err)
}

func TestMetricsRouter(t *testing.T) {
	tel, err := telemetry.New(context.Background(), &telemetry.Config{}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(metricsRouter(tel, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status telemetry.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Healthy)
}

func TestMetricsRouter_UnhealthyTelemetry(t *testing.T) {
	srv := httptest.NewServer(metricsRouter(nil, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	missing, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestAuditTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	journal, err := audit.Open(path, audit.WithoutSync())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		require.NoError(t, journal.Append(ctx, audit.Entry{
			Timestamp: now, Phase: "Initialization", Tool: "btb_read_file", CallNumber: i,
		}))
	}
	require.NoError(t, journal.Append(ctx, audit.Entry{
		Timestamp: now, Phase: "Execution", Tool: "btb_derive_approve", CallNumber: 3,
		Kind: audit.KindDecision, ProposalID: "tp_0123456789abcdef0123456789abcdef", Decision: "executed",
	}))
	require.NoError(t, journal.Close())

	out, err := execute(t, "audit", "tail", "--journal", path, "-n", "2", "--json")
	require.NoError(t, err)

	var entries []audit.Entry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].CallNumber)
	assert.Equal(t, audit.KindDecision, entries[1].Kind)

	out, err = execute(t, "audit", "tail", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, out, "TOOL")
	assert.Contains(t, out, "executed tp_0123456789abcdef0123456789abcdef")
	assert.Equal(t, 5, strings.Count(out, "\n"))
}

func TestAuditTail_MissingJournal(t *testing.T) {
	_, err := execute(t, "audit", "tail", "--journal", filepath.Join(t.TempDir(), "none.jsonl"))
	assert.Error(t, err)
}

func TestProposals_ListAndShow(t *testing.T) {
	data := isolate(t)
	id, source := seedPending(t)
	store := filepath.Join(data, "proposals.db")

	out, err := execute(t, "proposals", "list", "--store", store, "--status", "pending", "-o", "yaml")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0]["id"])
	assert.Equal(t, "pending", views[0]["status"])
	assert.Equal(t, source, views[0]["source_dir"])
	assert.Equal(t, 40, views[0]["file_count"])

	out, err = execute(t, "proposals", "list", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = execute(t, "proposals", "show", id, "--store", store, "-o", "json")
	require.NoError(t, err)
	var detail struct {
		ID  string `json:"id"`
		Ops []struct {
			Kind string `json:"kind"`
		} `json:"operation_list"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, id, detail.ID)
	assert.Len(t, detail.Ops, 40)

	_, err = execute(t, "proposals", "show", "tp_0123456789abcdef0123456789abcdef", "--store", store)
	assert.ErrorIs(t, err, proposal.ErrNotFound)

	_, err = execute(t, "proposals", "list", "--store", store, "-o", "xml")
	assert.Error(t, err)
}

func TestProposals_ApproveExecutesAndJournals(t *testing.T) {
	data := isolate(t)
	id, source := seedPending(t)

	out, err := execute(t, "proposals", "approve", id, "--approver", "witness")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:        executed")
	assert.Contains(t, out, "by witness")

	_, err = os.Stat(filepath.Join(source, "organized"))
	require.NoError(t, err)

	entries, err := audit.ReadAll(filepath.Join(data, "journal.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsCall())
	assert.Equal(t, string(spiral.ToolDeriveApprove), entries[0].Tool)
	assert.Equal(t, 1, entries[0].CallNumber)
	assert.Equal(t, audit.KindDecision, entries[1].Kind)
	assert.Equal(t, "executed", entries[1].Decision)
	assert.Equal(t, id, entries[1].ProposalID)
	assert.True(t, strings.HasPrefix(entries[1].SessionID, "cli-"))
	assert.Equal(t, entries[0].SessionID, entries[1].SessionID)

	_, err = execute(t, "proposals", "approve", id)
	assert.ErrorIs(t, err, proposal.ErrAlreadyDecided)
}

func TestProposals_RejectRecordsReason(t *testing.T) {
	data := isolate(t)
	id, source := seedPending(t)

	out, err := execute(t, "proposals", "reject", id, "--reason", "not today", "-o", "yaml")
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &detail))
	assert.Equal(t, "rejected", detail["status"])
	assert.Equal(t, "not today", detail["reason"])

	_, err = os.Stat(filepath.Join(source, "organized"))
	assert.True(t, os.IsNotExist(err))

	entries, err := audit.ReadAll(filepath.Join(data, "journal.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(spiral.ToolDeriveReject), entries[0].Tool)
	assert.Equal(t, "rejected", entries[1].Decision)
	assert.Equal(t, "not today", entries[1].Detail)
}

func TestProposals_UnwritableJournalStopsDecision(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	isolate(t)
	id, source := seedPending(t)
	t.Setenv("TEMPLE_AUDIT_JOURNAL_PATH", "/dev/full")

	for _, args := range [][]string{
		{"proposals", "approve", id},
		{"proposals", "reject", id, "--reason", "no"},
	} {
		_, err := execute(t, args...)
		require.ErrorIs(t, err, audit.ErrWriteFailure, args[1])
	}

	_, err := os.Stat(filepath.Join(source, "organized"))
	assert.True(t, os.IsNotExist(err))

	out, err := execute(t, "proposals", "show", id, "-o", "json")
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, "pending", detail["status"])
}
