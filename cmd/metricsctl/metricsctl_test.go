package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository/filelog"
	"github.com/splax/flowmetrics/pkg/client"
	jwtpkg "github.com/splax/flowmetrics/pkg/jwt"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeEntries(t *testing.T, dir, processModelID string, stamps ...time.Time) {
	t.Helper()
	store, err := filelog.New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)), filelog.WithoutFsync())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	for _, ts := range stamps {
		entry, err := domain.NewMetricEntry(domain.MetricEntryParams{
			Timestamp:        ts,
			CorrelationID:    "c1",
			ProcessModelID:   processModelID,
			MeasurementPoint: domain.OnProcessStarted,
		})
		if err != nil {
			t.Fatalf("entry: %v", err)
		}
		if err := store.WriteEntry(context.Background(), entry); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestDumpDirectoryAsJSON(t *testing.T) {
	dir := t.TempDir()
	late := time.Date(2025, time.November, 5, 10, 0, 5, 0, time.UTC)
	early := time.Date(2025, time.November, 5, 10, 0, 1, 0, time.UTC)
	writeEntries(t, dir, "orders/v2", late, early)

	stdout, stderr, err := run(t, "dump", dir, "--by-timestamp", "-o", "json")
	if err != nil {
		t.Fatalf("dump: %v (stderr %s)", err, stderr)
	}
	var partitions []dumpedPartition
	if err := json.Unmarshal([]byte(stdout), &partitions); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if len(partitions) != 1 || partitions[0].ProcessModelID != "orders/v2" {
		t.Fatalf("unexpected partitions %+v", partitions)
	}
	if len(partitions[0].Entries) != 2 || partitions[0].Entries[0].Timestamp != early.Format(time.RFC3339Nano) {
		t.Fatalf("expected timestamp order, got %+v", partitions[0].Entries)
	}
}

func TestDumpReportsDamagedRecords(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, dir, "p1", time.Date(2025, time.November, 5, 10, 0, 0, 0, time.UTC))
	path := filelog.PathFor(dir, "p1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("00000000 {\"garbage\":true}\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	stdout, stderr, err := run(t, "dump", path, "-o", "table")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(stderr, "skipped record") {
		t.Fatalf("expected skipped record on stderr, got %q", stderr)
	}
	if !strings.Contains(stdout, "onProcessStarted") || !strings.Contains(stdout, "# p1 (1 entries)") {
		t.Fatalf("unexpected table output:\n%s", stdout)
	}
}

func TestReadThroughAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != client.OrderByTimestamp {
			t.Errorf("unexpected order %q", r.URL.Query().Get("order"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"process_model_id":"p1","entries":[{"timestamp":"2025-11-05T10:00:00Z","correlation_id":"c1","process_model_id":"p1","flow_node_id":"Task_1","flow_node_instance_id":"f1","measurement_point":"onError","error":{"message":"boom"}}]}`))
	}))
	defer srv.Close()

	stdout, _, err := run(t, "read", "p1", "--api", srv.URL, "--token", "tok", "--by-timestamp", "-o", "table")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"TIMESTAMP", "onError", "Task_1", "boom"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output:\n%s", want, stdout)
		}
	}
}

func TestTokenCommandMintsReadToken(t *testing.T) {
	stdout, _, err := run(t, "token", "--secret", "s3cret", "--subject", "grafana", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := jwtpkg.Parse(strings.TrimSpace(stdout), "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "grafana" || claims.Scope != jwtpkg.ScopeRead {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, _, err := run(t, "token"); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestLogFilesExpandsDirectories(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.log", "a.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	files, err := logFiles([]string{dir})
	if err != nil {
		t.Fatalf("logFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.log" || filepath.Base(files[1]) != "b.log" {
		t.Fatalf("unexpected files %v", files)
	}
}
