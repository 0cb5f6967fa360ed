package pages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchJob_DedupSucceeded_UniqueByURL(t *testing.T) {
	t.Parallel()

	job := BatchJob{
		Succeeded: []URLOutcome{
			{URL: "https://a.com", Result: "first", ProcessedAt: time.Unix(1, 0)},
			{URL: "https://a.com", Result: "retried push", ProcessedAt: time.Unix(2, 0)},
			{URL: "https://b.com", Result: "ok", ProcessedAt: time.Unix(3, 0)},
		},
	}

	got := job.DedupSucceeded()
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Result)
	require.Equal(t, "https://b.com", got[1].URL)
}

func TestBatchJob_DedupFailed_SuccessWins(t *testing.T) {
	t.Parallel()

	job := BatchJob{
		Succeeded: []URLOutcome{{URL: "https://a.com", Result: "ok"}},
		Failed: []URLOutcome{
			{URL: "https://a.com", Error: "slow claim lost"},
			{URL: "https://c.com", Error: "timeout"},
		},
	}

	got := job.DedupFailed()
	require.Len(t, got, 1)
	require.Equal(t, "https://c.com", got[0].URL)
}

func TestBatchJob_TerminalURLs(t *testing.T) {
	t.Parallel()

	job := BatchJob{
		Succeeded: []URLOutcome{{URL: "https://a.com"}},
		Failed:    []URLOutcome{{URL: "https://b.com"}},
	}

	terminal := job.TerminalURLs()
	require.True(t, terminal["https://a.com"])
	require.True(t, terminal["https://b.com"])
	require.False(t, terminal["https://c.com"])
}

func TestBatchStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, BatchStatusPending.IsTerminal())
	require.False(t, BatchStatusProcessing.IsTerminal())
	require.True(t, BatchStatusCompleted.IsTerminal())
	require.True(t, BatchStatusCancelled.IsTerminal())
	require.True(t, BatchStatusFailed.IsTerminal())
}
