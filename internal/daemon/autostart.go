package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"finger/internal/server"
)

// DiscoverManifests reads the autostart directory and returns a manifest per
// *.module.json plus a synthesized single-agent manifest per bare *.js
// entry, in name order. A missing directory yields nothing.
func DiscoverManifests(dir string, onError func(name string, err error)) []server.ModuleManifest {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var manifests []server.ModuleManifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, ".module.json"):
			m, merr := server.LoadManifest(path)
			if merr != nil {
				if onError != nil {
					onError(name, merr)
				}
				continue
			}
			manifests = append(manifests, m)
		case strings.HasSuffix(name, ".js"):
			manifests = append(manifests, server.ScriptManifest(path))
		}
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests
}

// RegisterAutostart posts every discovered manifest to the running server's
// module-register endpoint and returns how many registered.
func (s *Supervisor) RegisterAutostart(ctx context.Context) (int, error) {
	manifests := DiscoverManifests(s.cfg.AutostartDir(), func(name string, err error) {
		s.logger.Warn("autostart manifest %s: %v", name, err)
	})
	url := s.cfg.BaseURL() + "/api/v1/modules/register"
	registered := 0
	for _, m := range manifests {
		if err := s.postModule(ctx, url, m); err != nil {
			s.logger.Warn("register module %s: %v", m.Name, err)
			continue
		}
		registered++
	}
	return registered, nil
}

func (s *Supervisor) postModule(ctx context.Context, url string, m server.ModuleManifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
