package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/config"
	"github.com/session-timer/backend/internal/durable"
	"github.com/session-timer/backend/internal/health"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\nlog:\n  level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(&rootFlags{configPath: path, port: 9100, logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want flag value 9100", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  lock_ttl: 100ms\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(&rootFlags{configPath: path}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})

	log.Info("hidden")
	log.Warn("shown", "user", "u1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"user":"u1"`) {
		t.Errorf("unexpected output: %s", out)
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}

func TestHistoryRequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"history"})
	root.SetOut(&bytes.Buffer{})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--user") {
		t.Errorf("err = %v, want --user required", err)
	}
}

func TestHistoryPrintsRecords(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "sessions.db")
	if err := os.WriteFile(cfgPath, []byte("durable:\n  path: "+dbPath+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"history", "--config", cfgPath, "--user", "u1"})
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("output = %q, want empty list", out.String())
	}
}

func TestMaintainOpensDurableStoreLater(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "data")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	db := durable.NewLazy(filepath.Join(blocker, "sessions.db"), time.Second)
	defer db.Close()
	if _, err := db.Connect(); err == nil {
		t.Fatal("expected open to fail while the path is blocked")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dep := health.NewTracker(log, nil, 0).Dependency("durable")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		maintain(ctx, 10*time.Millisecond, cache.NewMemory(nil), db, dep, log)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !db.Opened() {
		if time.Now().After(deadline) {
			t.Fatal("durable store was never reopened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := db.ListByUser(context.Background(), "u1"); err != nil {
		t.Errorf("ListByUser after reopen: %v", err)
	}
}
