package contextplan

import "regexp"

// secretPatterns is the scan bank. A match anywhere in a ref's displayed
// surface filters the ref out of the plan.
var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{"generic_assignment", regexp.MustCompile(`(?i)\b(api_?key|token|secret|password)\b\s*[:=]\s*['"]?[^\s'"]{8,}`)},
}

// ScanSecrets counts matches per pattern kind.
func ScanSecrets(text string) map[string]int {
	var found map[string]int
	for _, p := range secretPatterns {
		if n := len(p.re.FindAllStringIndex(text, -1)); n > 0 {
			if found == nil {
				found = make(map[string]int)
			}
			found[p.kind] = n
		}
	}
	return found
}

// HasSecret reports whether any pattern matches.
func HasSecret(text string) bool {
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}
