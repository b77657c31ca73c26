// Package analyzer implements the Deterministic Analyzer (spec §4.D): a
// pure function over a pull request's changed files that derives labels,
// risk flags, and a bounded risk score. No I/O, no clock, no randomness —
// the same input always yields the same output.
package analyzer

import (
	"strings"

	"github.com/kmanoj03/repopulse/pkg/store"
)

// Result is the Analyzer's output for one pull request.
type Result struct {
	SystemLabels []string
	RiskFlags    []string
	RiskScore    int
	DiffStats    store.DiffStats
}

var secretPatterns = compileSecretPatterns()

// Analyze derives labels, risk flags, a risk score, and diff stats from a
// pull request's changed files. It is the sole authority for this
// computation: callers must not special-case any of these rules elsewhere.
func Analyze(files []store.FileChange) Result {
	labels := newSet()
	flags := newSet()

	var totalAdditions, totalDeletions int
	secretsSuspected := false

	for _, f := range files {
		totalAdditions += f.Additions
		totalDeletions += f.Deletions

		lower := strings.ToLower(f.Filename)

		if hasPrefix(lower, "server/", "src/routes/") || strings.Contains(lower, "api/") {
			labels.add("backend")
		}
		if hasPrefix(lower, "client/", "src/components/") || strings.Contains(lower, "frontend") {
			labels.add("frontend")
		}
		if strings.Contains(lower, "routes") {
			labels.add("routes")
		}
		if isConfigPath(lower) {
			labels.add("config")
		}
		if isDevOpsPath(lower) {
			labels.add("devops")
		}
		if isAuthPath(lower) {
			labels.add("security")
		}

		if isAuthPath(lower) {
			flags.add("auth-change")
		}
		if isConfigPath(lower) {
			flags.add("config-change")
		}
		if isDevOpsPath(lower) {
			flags.add("ci-cd-change")
		}

		if !secretsSuspected && f.Patch != "" && matchesAnySecretPattern(f.Patch) {
			secretsSuspected = true
		}
	}

	if secretsSuspected {
		flags.add("secrets-suspected")
		labels.add("security")
	}

	totalDiff := totalAdditions + totalDeletions
	if totalDiff > 500 {
		flags.add("large-diff")
	}
	if totalDiff > 1500 {
		flags.add("very-large-diff")
	}

	score := riskScore(flags)

	return Result{
		SystemLabels: labels.sorted(),
		RiskFlags:    flags.sorted(),
		RiskScore:    score,
		DiffStats: store.DiffStats{
			TotalAdditions:    totalAdditions,
			TotalDeletions:    totalDeletions,
			ChangedFilesCount: len(files),
		},
	}
}

func riskScore(flags *set) int {
	score := 0
	if flags.has("large-diff") {
		score += 20
	}
	if flags.has("very-large-diff") {
		score += 20
	}
	if flags.has("secrets-suspected") {
		score += 40
	}
	if flags.has("auth-change") {
		score += 20
	}
	if flags.has("config-change") {
		score += 15
	}
	if flags.has("ci-cd-change") {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

func isAuthPath(lower string) bool {
	return strings.Contains(lower, "auth") || strings.Contains(lower, "login") || strings.Contains(lower, "jwt")
}

func isConfigPath(lower string) bool {
	return strings.Contains(lower, "config") || strings.Contains(lower, ".env") || strings.Contains(lower, "settings")
}

func isDevOpsPath(lower string) bool {
	return strings.Contains(lower, ".github/workflows") || strings.Contains(lower, "deploy") ||
		strings.Contains(lower, "pipeline") || strings.Contains(lower, "infra")
}

func hasPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func matchesAnySecretPattern(patch string) bool {
	for _, re := range secretPatterns {
		if re.MatchString(patch) {
			return true
		}
	}
	return false
}
