package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
)

func TestGetLogSummary(t *testing.T) {
	logger, cfg := newTestLogger(t)

	logger.StageSucceeded("iso-copy", time.Second)
	logger.StageSucceeded("fs-open", time.Second)
	logger.StageFailed("fs-init", errors.New("mount failed"))

	summary := GetLogSummary(cfg)
	if summary["succeeded"] != 2 {
		t.Errorf("succeeded = %d, want 2", summary["succeeded"])
	}
	if summary["failed"] != 1 {
		t.Errorf("failed = %d, want 1", summary["failed"])
	}
}

func TestGetLogSummary_MissingFiles(t *testing.T) {
	cfg := &config.Config{LogsPath: filepath.Join(t.TempDir(), "nologs")}

	summary := GetLogSummary(cfg)
	if len(summary) != 0 {
		t.Errorf("summary = %v, want empty", summary)
	}
}

func TestResolveLog(t *testing.T) {
	_, cfg := newTestLogger(t)
	NewStageLogger(cfg, 0, "iso-copy").Close()
	NewStageLogger(cfg, 4, "action:install-package").Close()

	tests := []struct {
		name string
		want string
	}{
		{"results", "00_last_results.log"},
		{"02", "02_failure_list.log"},
		{"04_debug.log", "04_debug.log"},
		{"iso-copy", filepath.Join("stages", "00_iso-copy.log")},
		{"04_action_install-package", filepath.Join("stages", "04_action_install-package.log")},
		{"action:install-package", filepath.Join("stages", "04_action_install-package.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveLog(cfg, tt.name)
			if err != nil {
				t.Fatalf("ResolveLog(%q) error = %v", tt.name, err)
			}
			if got != filepath.Join(cfg.LogsPath, tt.want) {
				t.Errorf("ResolveLog(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}

	if _, err := ResolveLog(cfg, "nope"); err == nil {
		t.Error("ResolveLog should fail for unknown log")
	}
}

func TestTailLog(t *testing.T) {
	cfg := &config.Config{LogsPath: t.TempDir()}
	content := "header\nline1\nline2\nline3\n"
	if err := os.WriteFile(filepath.Join(cfg.LogsPath, "04_debug.log"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := TailLog(cfg, "debug", 2, &buf); err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if buf.String() != "line2\nline3\n" {
		t.Errorf("TailLog = %q", buf.String())
	}

	buf.Reset()
	if err := TailLog(cfg, "debug", 0, &buf); err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if buf.String() != content {
		t.Errorf("TailLog(all) = %q", buf.String())
	}
}

func TestListLogs(t *testing.T) {
	_, cfg := newTestLogger(t)
	NewStageLogger(cfg, 1, "fs-open").Close()

	var buf bytes.Buffer
	ListLogs(cfg, &buf)

	out := buf.String()
	if !strings.Contains(out, "00_last_results.log") {
		t.Error("ListLogs missing summary log")
	}
	if !strings.Contains(out, "01_fs-open") {
		t.Error("ListLogs missing stage log")
	}
}
