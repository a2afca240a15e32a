package executor

import (
	"regexp"
	"strings"
)

// outputLinePat matches one `name = value` line inside the trailing Outputs
// block of a successful run.
var outputLinePat = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)

// parseOutputs extracts resource attributes from the provisioning tool's
// stdout. Only the final Outputs: block is trusted; everything before it is
// progress noise. Lines that don't parse are skipped rather than guessed
// at.
func parseOutputs(lines []string) map[string]string {
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "Outputs:" {
			start = i + 1
		}
	}
	if start < 0 {
		return nil
	}

	out := make(map[string]string)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := outputLinePat.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out[m[1]] = strings.Trim(strings.TrimSpace(m[2]), `"`)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
