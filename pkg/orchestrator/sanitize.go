package orchestrator

import "strings"

const maxRepoNameLength = 100

// SanitizeRepoName maps buyer input to a name every supported provider
// accepts: [a-z0-9_-], starting with a letter or digit.
func SanitizeRepoName(input string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	name := strings.TrimLeft(b.String(), "-_")
	if len(name) > maxRepoNameLength {
		name = name[:maxRepoNameLength]
	}
	name = strings.TrimRight(name, "-")
	if name == "" {
		return "project"
	}
	return name
}
