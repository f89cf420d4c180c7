// Package pluginresolver implements the directory-scan phase of the
// plugin pipeline (spec.md §4.B): read manifests, classify by type,
// and resolve same-name conflicts by highest semantic version.
package pluginresolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

const manifestFile = "plugin.yaml"
const dirPrefix = "plugin-"

// Resolve scans each directory in dirs for subdirectories named
// "plugin-*", reads each one's manifest, and returns the set of
// plugins this runtime (identified by runtimeID) can load. When two
// directories resolve the same plugin name, the higher semantic
// version wins. Malformed manifests are logged and skipped, never
// fatal; an unreadable directory is the only ConfigError.
func Resolve(dirs []string, runtimeID string, log *zap.SugaredLogger) (map[string]pluginapi.ResolvedPlugin, error) {
	resolved := map[string]pluginapi.ResolvedPlugin{}
	versions := map[string]semver.Version{}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, &errs.ConfigError{Reason: "cannot read plugin directory " + dir, Cause: err}
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			manifest, err := readManifest(pluginDir)
			if err != nil {
				log.Warnw("skipping malformed plugin manifest", "dir", pluginDir, "error", err)
				continue
			}
			if !manifest.SupportsRuntime(runtimeID) {
				log.Debugw("plugin does not declare this runtime, skipping", "plugin", manifest.Name, "runtime", runtimeID)
				continue
			}

			version, err := semver.Parse(strings.TrimPrefix(manifest.Version, "v"))
			if err != nil {
				log.Warnw("skipping plugin with unparsable version", "plugin", manifest.Name, "version", manifest.Version, "error", err)
				continue
			}

			if prior, exists := versions[manifest.Name]; exists && !version.GT(prior) {
				continue
			}
			versions[manifest.Name] = version
			resolved[manifest.Name] = pluginapi.ResolvedPlugin{
				Name:         manifest.Name,
				Version:      manifest.Version,
				Type:         manifest.Type,
				EntryPath:    filepath.Join(pluginDir, manifest.Main),
				Capabilities: manifest.Capabilities,
			}
		}
	}
	return resolved, nil
}

func readManifest(pluginDir string) (pluginapi.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(pluginDir, manifestFile))
	if err != nil {
		return pluginapi.Manifest{}, err
	}
	var m pluginapi.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return pluginapi.Manifest{}, err
	}
	if m.Name == "" || m.Version == "" {
		return pluginapi.Manifest{}, &errs.ValidationError{Messages: []string{"manifest missing name or version"}}
	}
	return m, nil
}
