package merge

import (
	"regexp"
	"strconv"
)

var (
	// Hash following words like "commit", "committed as", "commit:".
	contextualHashRe = regexp.MustCompile(`(?i)commit(?:ted)?(?:\s+as)?[:\s]+([0-9a-f]{7,40})\b`)

	// Any bare hash, used as a fallback.
	bareHashRe = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)

	prURLRe = regexp.MustCompile(`https://github\.com/\S+/pull/(\d+)`)
)

// extractCommitHash pulls a commit hash out of an agent transcript. It
// prefers a hash adjacent to the word "commit" and falls back to the first
// bare hash. Returns "" when nothing matches.
func extractCommitHash(transcript string) string {
	if m := contextualHashRe.FindStringSubmatch(transcript); m != nil {
		return m[1]
	}
	return bareHashRe.FindString(transcript)
}

// extractPRURL pulls a pull request URL and number out of an agent
// transcript. Returns ("", 0) when nothing matches.
func extractPRURL(transcript string) (string, int) {
	m := prURLRe.FindStringSubmatch(transcript)
	if m == nil {
		return "", 0
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return "", 0
	}
	return m[0], number
}
