package fingerprint

import (
	"os"
	"strings"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// readIgnoreLines returns the non-empty lines of an ignore file, or nil if
// it doesn't exist or can't be read.
func readIgnoreLines(path string) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
