package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"finger/internal/config"
	"finger/internal/logging"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	if _, ok, err := ReadPID(path); ok || err != nil {
		t.Fatalf("missing file should be (0,false,nil), got ok=%v err=%v", ok, err)
	}
	if err := WritePID(path, 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, ok, err := ReadPID(path)
	if err != nil || !ok || pid != 4242 {
		t.Fatalf("ReadPID: pid=%d ok=%v err=%v", pid, ok, err)
	}
	if err := RemovePID(path); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if err := RemovePID(path); err != nil {
		t.Fatalf("RemovePID twice: %v", err)
	}
}

func TestReadPIDMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadPID(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("own pid should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("non-positive pids are never alive")
	}
}

func TestIsRunningWithStalePID(t *testing.T) {
	cfg := config.Config{Home: t.TempDir()}
	s := New(cfg, logging.Nop())
	// No pid file at all.
	if s.IsRunning() {
		t.Fatal("expected not running")
	}
	// A pid that cannot exist.
	if err := WritePID(cfg.PIDFile(), 1<<30); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("expected stale pid to read as not running")
	}
}

func TestDiscoverManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.module.json", `{"name":"beta","agents":[{"id":"beta-agent"}]}`)
	writeFile(t, dir, "a.module.json", `{"version":"1.0"}`)
	writeFile(t, dir, "notify.js", `console.log("hi")`)
	writeFile(t, dir, "broken.module.json", `{oops`)
	writeFile(t, dir, "README.md", `ignored`)

	var badNames []string
	manifests := DiscoverManifests(dir, func(name string, _ error) {
		badNames = append(badNames, name)
	})

	if len(manifests) != 3 {
		t.Fatalf("expected 3 manifests, got %d: %+v", len(manifests), manifests)
	}
	// Sorted by name: a, beta, notify.
	if manifests[0].Name != "a" || manifests[1].Name != "beta" || manifests[2].Name != "notify" {
		t.Fatalf("unexpected order: %s, %s, %s", manifests[0].Name, manifests[1].Name, manifests[2].Name)
	}
	if len(manifests[2].Agents) != 1 || manifests[2].Agents[0].ID != "notify-agent" {
		t.Fatalf("script manifest missing agent: %+v", manifests[2])
	}
	if len(badNames) != 1 || badNames[0] != "broken.module.json" {
		t.Fatalf("expected broken manifest reported, got %v", badNames)
	}
}

func TestRegisterAutostartPostsManifests(t *testing.T) {
	home := t.TempDir()
	autostart := filepath.Join(home, "autostart")
	if err := os.MkdirAll(autostart, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, autostart, "search.module.json", `{"name":"search","agents":[{"id":"search-agent"}]}`)
	writeFile(t, autostart, "notify.js", ``)

	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/modules/register" {
			http.NotFound(w, r)
			return
		}
		posted = append(posted, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg := config.Config{Home: home, Host: u.Hostname(), Port: port}

	s := New(cfg, logging.Nop())
	n, err := s.RegisterAutostart(context.Background())
	if err != nil {
		t.Fatalf("RegisterAutostart: %v", err)
	}
	if n != 2 || len(posted) != 2 {
		t.Fatalf("expected 2 registrations, got n=%d posted=%d", n, len(posted))
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
