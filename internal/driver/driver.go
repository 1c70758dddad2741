// Package driver defines the boundary to the upstream creative service.
// One Driver instance performs network operations on behalf of one account;
// the orchestration layer never sees the wire protocol, only typed results
// and classified failures.
package driver

import (
	"context"
	"io"
	"time"
)

// GenerateRequest describes one video submission.
type GenerateRequest struct {
	Prompt      string
	Duration    int // seconds
	AspectRatio string
	ImagePath   string // optional source image
}

// GenerateResult is the outcome of a submission.
type GenerateResult struct {
	TaskID string
}

// CreditInfo reports remaining account credits. Credits is nil when the
// upstream did not return a balance; callers treat that as usable.
type CreditInfo struct {
	Credits      *int
	ResetSeconds int
}

// VideoResult describes a finished generation found upstream.
type VideoResult struct {
	ID          string
	DownloadURL string
	Status      string // "succeeded" or "failed"
}

// PendingTask is one still-running generation reported by the upstream.
type PendingTask struct {
	ID          string
	Status      string
	ProgressPct float64
}

// Driver performs all network operations for a single account.
//
// Implementations classify failures via the Error type in this package:
// transient errors may be retried on the same account, account-level errors
// (quota, verification, suspension) force an account switch, terminal errors
// fail the job.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// GenerateVideo submits a generation request and returns the remote
	// task id used for all later correlation.
	GenerateVideo(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// GetCredits fetches the account's remaining credit balance.
	GetCredits(ctx context.Context) (*CreditInfo, error)

	// UploadImage uploads a source image and returns its remote file id.
	UploadImage(ctx context.Context, path string) (string, error)

	// WaitForCompletion looks for a finished generation by remote task id.
	// Returns nil (no error) when the task is not visible anywhere yet.
	WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*VideoResult, error)

	// GetPendingTasks lists the account's still-running generations.
	GetPendingTasks(ctx context.Context) ([]PendingTask, error)

	// DownloadVideo streams the finished file to w using the account's
	// saved session and returns the number of bytes written.
	DownloadVideo(ctx context.Context, url string, w io.Writer) (int64, error)
}
