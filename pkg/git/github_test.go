package git

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devflow/internal/config"
)

func strptr(s string) *string { return &s }

func TestAggregateCheckRuns(t *testing.T) {
	completed := func(conclusion string) *github.CheckRun {
		return &github.CheckRun{Status: strptr("completed"), Conclusion: strptr(conclusion)}
	}

	tests := []struct {
		name string
		runs []*github.CheckRun
		want CIState
	}{
		{name: "no runs passes", want: CIPassing},
		{
			name: "all success",
			runs: []*github.CheckRun{completed("success"), completed("success")},
			want: CIPassing,
		},
		{
			name: "in progress is pending",
			runs: []*github.CheckRun{completed("success"), {Status: strptr("in_progress")}},
			want: CIPending,
		},
		{
			name: "any failure wins over pending",
			runs: []*github.CheckRun{{Status: strptr("queued")}, completed("failure")},
			want: CIFailing,
		},
		{
			name: "timed out fails",
			runs: []*github.CheckRun{completed("timed_out")},
			want: CIFailing,
		},
		{
			name: "skipped and neutral pass",
			runs: []*github.CheckRun{completed("skipped"), completed("neutral")},
			want: CIPassing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateCheckRuns(tt.runs))
		})
	}
}

func TestNewPRService_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewPRService(ctx, config.GitHubConfig{}, nil)
	assert.Error(t, err)

	cfg := config.GitHubConfig{Token: config.Secret("ghp_test")}
	_, err = NewPRService(ctx, cfg, nil)
	assert.Error(t, err, "owner and repo are required")

	cfg.Owner = "acme"
	cfg.Repo = "widgets"
	svc, err := NewPRService(ctx, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestRetryOperation_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("unprocessable")
	resp := &github.Response{Response: &http.Response{StatusCode: http.StatusUnprocessableEntity}}

	_, err := retryOperation(context.Background(), DefaultRetryConfig(), nil, func() (*github.Response, error) {
		calls++
		return resp, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestRetryOperation_RetriesServerErrors(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, InitialBackoff: 1, MaxBackoff: 1, BackoffMultiplier: 1}
	calls := 0

	_, err := retryOperation(context.Background(), cfg, nil, func() (*github.Response, error) {
		calls++
		if calls < 3 {
			return &github.Response{Response: &http.Response{StatusCode: http.StatusBadGateway}},
				errors.New("bad gateway")
		}
		return &github.Response{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOperation_Exhaustion(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, InitialBackoff: 1, MaxBackoff: 1, BackoffMultiplier: 1}
	calls := 0

	_, err := retryOperation(context.Background(), cfg, nil, func() (*github.Response, error) {
		calls++
		return &github.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			errors.New("unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 2 retries")
}
