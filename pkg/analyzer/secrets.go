package analyzer

import "regexp"

// secretPatterns is deliberately a pure, exported-shape list (spec §9:
// "regex list is configurable at build time; implementations should expose
// a pure function so the test suite can golden-test matches"). First match
// short-circuits in Analyze.
func compileSecretPatterns() []*regexp.Regexp {
	raw := []string{
		`AKIA[0-9A-Z]{16}`,               // AWS access key id
		`ghp_[0-9A-Za-z]{36}`,            // platform personal access token
		`xox[baprs]-[0-9A-Za-z-]{20,}`,   // chat provider token
		`secret_key\s*=`,
		`api_key\s*=`,
		`password\s*=`,
		`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
	}

	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return patterns
}
