// ABOUTME: Embedded starter files written by "thoth init"
// ABOUTME: Renders the config template for a chosen set of platforms

// Package assets holds files embedded into the thoth binary via go:embed.
package assets

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"text/template"
)

//go:embed templates
var templatesFS embed.FS

var configTemplate = template.Must(template.ParseFS(templatesFS, "templates/thoth.toml.tmpl"))

// defaultBaseURLs are the landing pages opened for a fresh source.
var defaultBaseURLs = map[string]string{
	"discord":  "https://discord.com/channels/@me",
	"slack":    "https://app.slack.com/client",
	"telegram": "https://web.telegram.org/k/",
}

// StarterSource is one [[sources]] block of the starter config.
type StarterSource struct {
	Name    string
	Type    string
	BaseURL string
}

// Starter holds the values substituted into the starter config.
type Starter struct {
	DBPath         string
	ProfileDir     string
	BrowserCommand string
	LogFile        string
	Sources        []StarterSource
}

// NewStarter returns starter values rooted at dataDir with one source per
// platform.
func NewStarter(dataDir string, platforms ...string) (Starter, error) {
	s := Starter{
		DBPath:         filepath.ToSlash(filepath.Join(dataDir, "thoth.db")),
		ProfileDir:     filepath.ToSlash(filepath.Join(dataDir, "profiles")),
		BrowserCommand: "thoth-browser",
		LogFile:        filepath.ToSlash(filepath.Join(dataDir, "logs", "sync.log")),
	}
	for _, p := range platforms {
		u, ok := defaultBaseURLs[p]
		if !ok {
			return Starter{}, fmt.Errorf("no starter source for platform %q", p)
		}
		s.Sources = append(s.Sources, StarterSource{Name: p, Type: p, BaseURL: u})
	}
	return s, nil
}

// RenderConfig renders the starter config as TOML.
func RenderConfig(s Starter) ([]byte, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering config template: %w", err)
	}
	return buf.Bytes(), nil
}
