package transfer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	// BuildConfigFile is the hosting build config written to the repo root.
	BuildConfigFile = "netlify.toml"

	DefaultBuildCommand = "npm run build"
	DefaultPublishDir   = "dist"
)

// BuildConfig is the parsed form of the generated netlify.toml.
type BuildConfig struct {
	Build struct {
		Command string `toml:"command"`
		Publish string `toml:"publish"`
	} `toml:"build"`
	Redirects []Redirect `toml:"redirects"`
}

// Redirect is one [[redirects]] rule.
type Redirect struct {
	From   string `toml:"from"`
	To     string `toml:"to"`
	Status int    `toml:"status"`
}

// RenderBuildConfig produces netlify.toml for the build settings, falling
// back to defaults for empty values. The output always includes the SPA
// catch-all rewrite.
func RenderBuildConfig(command, publish string) ([]byte, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		command = DefaultBuildCommand
	}
	publish = strings.TrimSpace(publish)
	if publish == "" {
		publish = DefaultPublishDir
	}

	var buf bytes.Buffer
	buf.WriteString("[build]\n")
	fmt.Fprintf(&buf, "  command = %s\n", tomlString(command))
	fmt.Fprintf(&buf, "  publish = %s\n", tomlString(publish))
	buf.WriteString("\n[[redirects]]\n")
	buf.WriteString("  from = \"/*\"\n")
	buf.WriteString("  to = \"/index.html\"\n")
	buf.WriteString("  status = 200\n")

	var parsed BuildConfig
	if err := toml.Unmarshal(buf.Bytes(), &parsed); err != nil {
		return nil, fmt.Errorf("generated build config is invalid: %w", err)
	}
	if parsed.Build.Command != command || parsed.Build.Publish != publish {
		return nil, fmt.Errorf("generated build config does not round trip")
	}
	return buf.Bytes(), nil
}

// WriteBuildConfig renders and writes netlify.toml into dir.
func WriteBuildConfig(dir, command, publish string) error {
	data, err := RenderBuildConfig(command, publish)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, BuildConfigFile), data, 0o644)
}

// tomlString renders a TOML basic string.
func tomlString(value string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range value {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\u%04X`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
