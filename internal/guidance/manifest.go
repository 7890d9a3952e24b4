package guidance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestSpec names the documents concatenated into a manifest.
type ManifestSpec struct {
	Title string
	Files []string
	// Missing is returned when none of Files exist. Empty means return the
	// bare title.
	Missing string
}

var (
	// SpiralManifest is the threshold repository's protocol manifest.
	SpiralManifest = ManifestSpec{
		Title:   "# Threshold Protocols Memory",
		Files:   []string{"README.md", "ARCHITECTS.md", "docs/ARCHITECTURE.md"},
		Missing: "Memory initialization required. Threshold protocols manifest not found.",
	}

	// BasicsManifest is the action repository's capability manifest.
	BasicsManifest = ManifestSpec{
		Title: "# Back to the Basics Capabilities",
		Files: []string{"README.md", "CLAUDE.md", "ARCHITECTS.md"},
	}
)

// Manifest concatenates the spec's files found under root.
func Manifest(root string, spec ManifestSpec) string {
	var b strings.Builder
	b.WriteString(spec.Title)
	b.WriteString("\n\n")
	found := 0
	for _, name := range spec.Files {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name))) // #nosec G304 -- fixed names under a configured root.
		if err != nil {
			continue
		}
		found++
		fmt.Fprintf(&b, "\n## %s\n\n%s\n\n---\n\n", name, content)
	}
	if found == 0 && spec.Missing != "" {
		return spec.Missing
	}
	return b.String()
}
