package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// profileFiles are read in order from <dir>/<agent>/ and concatenated.
var profileFiles = []string{"PROMPT.md", "GOALS.md"}

// LoadProfile returns the prompt override stored for an agent under dir, or
// "" when there is none.
func LoadProfile(dir, agentName string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Join(dir, agentName)
	var parts []string
	for _, f := range profileFiles {
		data, err := os.ReadFile(filepath.Join(base, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n---\n\n")
}
