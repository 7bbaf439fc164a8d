package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hive-corporation/ioc-connectors/internal/adapter/provider"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/repository"
	"github.com/hive-corporation/ioc-connectors/internal/config"
	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

func TestNewRunContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tags = []config.TagConfig{{Type: "importer", Value: "internal", Color: "#ff0000"}}

	rc, err := newRunContext(cfg)
	if err != nil {
		t.Fatalf("newRunContext failed: %v", err)
	}
	if rc.Mode != domain.ModeIndicator {
		t.Errorf("mode = %q", rc.Mode)
	}
	if len(rc.Markings) != 1 || rc.Markings[0].ID != domain.TLPWhiteID {
		t.Errorf("default marking should be TLP:WHITE, got %+v", rc.Markings)
	}
	if len(rc.Tags) != 1 || rc.Tags[0].Value != "internal" {
		t.Errorf("tags = %+v", rc.Tags)
	}

	cfg.Connector.EntityMode = "sighting"
	if _, err := newRunContext(cfg); err == nil {
		t.Error("expected error for unknown entity mode")
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{"memory", config.BackendMemory, false},
		{"bolt", config.BackendBolt, false},
		{"unknown", "etcd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.State.Backend = tt.backend
			cfg.State.Path = filepath.Join(t.TempDir(), "state.db")

			store, err := openStore(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if store != nil {
				store.Close()
			}
		})
	}
}

func TestNewSource(t *testing.T) {
	cfg := config.DefaultConfig()
	src, err := newSource(cfg, nil)
	if err != nil {
		t.Fatalf("newSource failed: %v", err)
	}
	if _, ok := src.(*provider.CSVDirProvider); !ok {
		t.Errorf("csv-dir type built %T", src)
	}

	cfg.Connector.Type = config.TypeIPList
	cfg.List.URL = "https://example.com/ip-blacklist"
	src, err = newSource(cfg, nil)
	if err != nil {
		t.Fatalf("newSource failed: %v", err)
	}
	if src.Mode() != domain.SnapshotFull {
		t.Errorf("ip-list mode = %v, want full", src.Mode())
	}

	cfg.List.Kind = "ftp"
	if _, err := newSource(cfg, nil); err == nil {
		t.Error("expected error for unknown list kind")
	}
}

func TestOnceCommand_DryRun(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	files := filepath.Join(dir, "data", "files")
	if err := os.MkdirAll(files, 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "_report,Hashes seen during incident 42\n" +
		"d41d8cd98f00b204e9800998ecf8427e,md5,empty file\n" +
		"203.0.113.7,ip\n"
	if err := os.WriteFile(filepath.Join(files, "ir-42.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "connector.yaml")
	yaml := "connector:\n  name: ir-import\nplatform:\n  dry_run: true\nstate:\n  backend: bolt\n  path: " +
		filepath.Join(dir, "state.db") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"once", "--config", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("once failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(files, "ir-42.csv")); !os.IsNotExist(err) {
		t.Error("processed file should have been archived")
	}
	archived, _ := os.ReadDir(filepath.Join(dir, "data", "archive"))
	if len(archived) != 1 || !strings.HasPrefix(archived[0].Name(), "ir-42.csv-") {
		t.Errorf("archive = %v", archived)
	}

	store, err := repository.NewBoltStateStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	state, err := store.Load(context.Background(), "ir-import")
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Snapshot) != 2 || state.LastRunTimestamp == 0 {
		t.Errorf("persisted state = %+v", state)
	}

	show := newRootCmd()
	var out bytes.Buffer
	show.SetOut(&out)
	show.SetArgs([]string{"state", "show", "--config", cfgPath})
	if err := show.Execute(); err != nil {
		t.Fatalf("state show failed: %v", err)
	}
	if !strings.Contains(out.String(), "203.0.113.7") {
		t.Errorf("state show output missing snapshot key: %s", out.String())
	}
}
