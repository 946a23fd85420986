package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCommitHash(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		want       string
	}{
		{
			name:       "committed as phrasing",
			transcript: "All done. Committed as 3f2a1b9 on feature/login.",
			want:       "3f2a1b9",
		},
		{
			name:       "commit colon phrasing",
			transcript: "commit: 0123456789abcdef0123456789abcdef01234567",
			want:       "0123456789abcdef0123456789abcdef01234567",
		},
		{
			name:       "bare hash fallback",
			transcript: "The change landed at deadbeef1 and tests pass.",
			want:       "deadbeef1",
		},
		{
			name:       "contextual hash preferred over earlier bare hash",
			transcript: "Previous head was aaaaaaa. Committed as bbbbbbb.",
			want:       "bbbbbbb",
		},
		{
			name:       "too short rejected",
			transcript: "commit abc12",
			want:       "",
		},
		{
			name:       "no hash",
			transcript: "I created the branch and nothing else.",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractCommitHash(tt.transcript))
		})
	}
}

func TestExtractPRURL(t *testing.T) {
	url, number := extractPRURL("Opened https://github.com/acme/widgets/pull/128 for review.")
	assert.Equal(t, "https://github.com/acme/widgets/pull/128", url)
	assert.Equal(t, 128, number)

	url, number = extractPRURL("no pull request here")
	assert.Empty(t, url)
	assert.Zero(t, number)
}
