package main

import (
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

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

type cliTestEnv struct {
	dir        string
	configPath string
	dbPath     string
	cachePath  string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Cleanup(logging.Close)
	t.Setenv(config.EnvDatabaseDSN, "")
	t.Setenv(config.EnvThreshold, "")

	env := &cliTestEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "rollcall.yaml"),
		dbPath:     filepath.Join(dir, "data", "attendance.db"),
		cachePath:  filepath.Join(dir, "data", "gallery.json"),
	}
	content := fmt.Sprintf(`gallery:
  images_dir: %s
  cache_file: %s
  encryption_enabled: false
database:
  driver: sqlite
  path: %s
logging:
  level: error
  file: %s
`, filepath.Join(dir, "images"), env.cachePath, env.dbPath, filepath.Join(dir, "rollcall.log"))
	if err := os.WriteFile(env.configPath, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

// setCameraDevice points the test config at device.
func (e *cliTestEnv) setCameraDevice(t *testing.T, device string) {
	t.Helper()
	f, err := os.OpenFile(e.configPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "camera:\n  device: %s\n", device); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

// seedAttendance creates one session with ALICE and BOB marked present.
func seedAttendance(t *testing.T, env *cliTestEnv) *database.Session {
	t.Helper()
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(env.dbPath), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, Path: env.dbPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	sess, err := db.CreateSession(ctx, "CS101", "Lab 2")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	l := ledger.New(db)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, name := range []gallery.Identity{"ALICE", "BOB", "ALICE"} {
		if _, err := l.AppendIfAbsent(ctx, sess.ID, name, start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}
	return sess
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	requireContains(t, out, "rollcall "+version)
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Cleanup(logging.Close)
	target := filepath.Join(dir, "conf", "rollcall.yaml")

	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote default configuration")

	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when config already exists")
	}

	out, err = runCLI(t, "--config", target, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "threshold: 0.45")
	requireContains(t, out, "driver: sqlite")
}

func TestConfigShow_MasksDSN(t *testing.T) {
	env := setupCLITestEnv(t)
	t.Setenv(config.EnvDatabaseDSN, "file:secret.db")

	out, err := runCLI(t, "--config", env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "secret") {
		t.Errorf("dsn leaked into output:\n%s", out)
	}
	requireContains(t, out, "********")
}

func TestConfigValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "--config", env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	t.Setenv(config.EnvThreshold, "-1")
	if _, err := runCLI(t, "--config", env.configPath, "config", "validate"); err == nil {
		t.Fatal("expected negative threshold to be rejected")
	}
}

func TestReport(t *testing.T) {
	env := setupCLITestEnv(t)
	sess := seedAttendance(t, env)

	out, err := runCLI(t, "--config", env.configPath, "report", fmt.Sprint(sess.ID))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	requireContains(t, out, "CS101")
	requireContains(t, out, "ALICE")
	requireContains(t, out, "BOB")
	requireContains(t, out, "2 present")
}

func TestReport_JSON(t *testing.T) {
	env := setupCLITestEnv(t)
	sess := seedAttendance(t, env)

	out, err := runCLI(t, "--config", env.configPath, "report", "--json", fmt.Sprint(sess.ID))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	var report attendanceReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Count != 2 || len(report.Records) != 2 {
		t.Fatalf("count = %d, records = %d, want 2", report.Count, len(report.Records))
	}
	if report.Records[0].Identity != "ALICE" || report.Records[1].Identity != "BOB" {
		t.Errorf("records out of order: %+v", report.Records)
	}
}

func TestReport_Errors(t *testing.T) {
	env := setupCLITestEnv(t)
	seedAttendance(t, env)

	tests := []struct {
		name    string
		arg     string
		wantErr error
		wantMsg string
	}{
		{name: "not a number", arg: "abc", wantMsg: "invalid session id"},
		{name: "zero", arg: "0", wantMsg: "invalid session id"},
		{name: "unknown session", arg: "99", wantErr: database.ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, "--config", env.configPath, "report", tt.arg)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestSessionList(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "--config", env.configPath, "session", "list")
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	requireContains(t, out, "No sessions recorded")

	seedAttendance(t, env)
	out, err = runCLI(t, "--config", env.configPath, "session", "list")
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	requireContains(t, out, "CS101")
	requireContains(t, out, "Lab 2")
}

func TestSessionStart_RequiresUnitAndRoom(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, "--config", env.configPath, "session", "start", "--unit", "CS101")
	if err == nil || !strings.Contains(err.Error(), "room") {
		t.Fatalf("expected missing room error, got %v", err)
	}
}

func TestSessionStart_MissingCameraLeavesNoSession(t *testing.T) {
	env := setupCLITestEnv(t)
	env.setCameraDevice(t, filepath.Join(env.dir, "video9"))

	_, err := runCLI(t, "--config", env.configPath, "session", "start", "--unit", "CS101", "--room", "Lab 2")
	if !errors.Is(err, camera.ErrCameraNotFound) {
		t.Fatalf("session start error = %v, want ErrCameraNotFound", err)
	}
	requireContains(t, err.Error(), "CS101")

	out, err := runCLI(t, "--config", env.configPath, "session", "list")
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	requireContains(t, out, "No sessions recorded")
}

func TestGalleryList_FromCache(t *testing.T) {
	env := setupCLITestEnv(t)

	if err := os.MkdirAll(filepath.Dir(env.cachePath), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cache, err := storage.NewGalleryCache(env.cachePath, false)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	samples := []gallery.Sample{
		{Label: "bob", Embedding: gallery.Embedding{1, 0}},
		{Label: "alice", Embedding: gallery.Embedding{0, 0}},
		{Label: "alice", Embedding: gallery.Embedding{0, 1}},
	}
	if err := cache.Save(samples); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := runCLI(t, "--config", env.configPath, "gallery", "list")
	if err != nil {
		t.Fatalf("gallery list: %v", err)
	}
	requireContains(t, out, "ALICE")
	requireContains(t, out, "BOB")
	requireContains(t, out, "2 identities")

	out, err = runCLI(t, "--config", env.configPath, "gallery", "clear")
	if err != nil {
		t.Fatalf("gallery clear: %v", err)
	}
	requireContains(t, out, "Removed")
	if cache.Exists() {
		t.Error("cache still present after clear")
	}
}

func TestGalleryRows(t *testing.T) {
	set, err := gallery.Load([]gallery.Sample{
		{Label: "carol", Embedding: gallery.Embedding{1}},
		{Label: "alice", Embedding: gallery.Embedding{2}},
		{Label: "carol", Embedding: gallery.Embedding{3}},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rows := galleryRows(set)
	want := [][]string{{"ALICE", "1"}, {"CAROL", "2"}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
	for i := range want {
		if rows[i][0] != want[i][0] || rows[i][1] != want[i][1] {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestRenderTable(t *testing.T) {
	if got := renderTable(nil, nil, nil); got != "" {
		t.Errorf("empty headers should render nothing, got %q", got)
	}

	out := renderTable(
		[]string{"Name", "Count"},
		[][]string{{"ALICE", "2"}, {"BOB"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	for _, want := range []string{"Name", "Count", "ALICE", "BOB", "╭"} {
		requireContains(t, out, want)
	}
}

func TestDownloadModels_SkipsExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	for _, name := range modelFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := downloadModels(srv.Client(), srv.URL+"/", dir, nil); err != nil {
		t.Fatalf("downloadModels: %v", err)
	}
}

func TestDownloadModels_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	err := downloadModels(srv.Client(), srv.URL+"/", dir, nil)
	if err == nil || !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("expected bad status error, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no files left behind, found %d", len(entries))
	}
}
