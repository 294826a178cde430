package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/remotetest"
	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.toml")

	out, err := execute(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if _, err := execute(t, "--config", path, "config", "init"); !errors.Is(err, config.ErrExists) {
		t.Errorf("second config init = %v, want ErrExists", err)
	}
	if _, err := execute(t, "--config", path, "config", "init", "--force"); err != nil {
		t.Errorf("config init --force failed: %v", err)
	}

	out, err = execute(t, "--config", path, "--db", "override.db", "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `db = "override.db"`) {
		t.Errorf("flag did not override config file:\n%s", out)
	}
}

func TestStatusNotInitialized(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--db", filepath.Join(dir, "missing.db"), "--log-file", filepath.Join(dir, "log"), "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "not initialized") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPullPushStatus(t *testing.T) {
	remoteDB := remotetest.Start(t, remotetest.Config{})
	rev := &revision.Revision{DocID: "remote-doc", RevID: "1-abc", Properties: map[string]any{"from": "remote"}}
	if err := remoteDB.Store().ForceInsert(context.Background(), rev, []string{"1-abc"}, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "local.db")
	base := []string{"--db", dbPath, "--log-file", filepath.Join(dir, "docsync.log")}

	out, err := execute(t, append(base, "pull", remoteDB.DBURL())...)
	if err != nil {
		t.Fatalf("pull failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1/1") {
		t.Errorf("pull summary missing progress:\n%s", out)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := st.GetRevision(context.Background(), "remote-doc", "1-abc"); err != nil {
		t.Errorf("pulled revision missing: %v", err)
	}
	local, err := st.PutRevision(context.Background(), "local-doc", "", map[string]any{"from": "local"}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	st.Close()

	out, err = execute(t, append(base, "push", remoteDB.DBURL())...)
	if err != nil {
		t.Fatalf("push failed: %v\n%s", err, out)
	}
	if _, err := remoteDB.Store().GetRevision(context.Background(), "local-doc", local.RevID); err != nil {
		t.Errorf("pushed revision missing on remote: %v", err)
	}

	out, err = execute(t, append(base, "status", "--yaml")...)
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	var report statusReport
	if err := yaml.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("status output is not YAML: %v\n%s", err, out)
	}
	if report.Documents != 2 {
		t.Errorf("documents = %d, want 2", report.Documents)
	}
	if len(report.Checkpoints) != 2 {
		t.Errorf("checkpoints = %d, want one per direction", len(report.Checkpoints))
	}
	if report.Store != dbPath {
		t.Errorf("store = %q, want %q", report.Store, dbPath)
	}
}

func TestSync(t *testing.T) {
	remoteDB := remotetest.Start(t, remotetest.Config{})
	rev := &revision.Revision{DocID: "r", RevID: "1-aaa", Properties: map[string]any{}}
	if err := remoteDB.Store().ForceInsert(context.Background(), rev, []string{"1-aaa"}, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "local.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	local, err := st.PutRevision(context.Background(), "l", "", map[string]any{}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	st.Close()

	out, err := execute(t, "--db", dbPath, "--log-file", filepath.Join(dir, "log"), "sync", remoteDB.DBURL())
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	if _, err := remoteDB.Store().GetRevision(context.Background(), "l", local.RevID); err != nil {
		t.Errorf("local revision not pushed: %v", err)
	}

	st, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()
	if _, err := st.GetRevision(context.Background(), "r", "1-aaa"); err != nil {
		t.Errorf("remote revision not pulled: %v", err)
	}
}

func TestPullBadURL(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--db", filepath.Join(dir, "local.db"), "--log-file", filepath.Join(dir, "log"), "pull", "not a url")
	if err == nil {
		t.Error("pull of an invalid URL succeeded")
	}
}
