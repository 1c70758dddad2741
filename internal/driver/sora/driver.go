// Package sora implements the driver boundary against the Sora backend API.
// It is API-only: every call rides the account's captured bearer token and
// device id, no browser automation involved.
package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver"
)

const (
	defaultBaseURL   = "https://sora.chatgpt.com/backend"
	defaultUserAgent = "Mozilla/5.0"
)

// frames per requested duration; the API takes frame counts, not seconds.
var durationFrames = map[int]int{5: 150, 10: 300, 15: 450}

// Driver talks to the Sora backend for one account.
type Driver struct {
	baseURL   string
	token     string
	deviceID  string
	userAgent string
	cookies   map[string]string
	client    *http.Client
	logger    *slog.Logger
}

// Config configures a Sora driver.
type Config struct {
	BaseURL     string
	AccessToken string
	DeviceID    string
	UserAgent   string
	Cookies     map[string]string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// New creates a driver from a captured session.
func New(cfg Config) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		baseURL:   cfg.BaseURL,
		token:     cfg.AccessToken,
		deviceID:  cfg.DeviceID,
		userAgent: cfg.UserAgent,
		cookies:   cfg.Cookies,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("driver", "sora"),
	}
}

// Factory builds Sora drivers from account sessions.
type Factory struct {
	BaseURL string
	Logger  *slog.Logger
}

func (f *Factory) Platform() string { return "sora" }

func (f *Factory) ForAccount(acc *domain.Account) (driver.Driver, error) {
	if !acc.HasValidToken() {
		return nil, driver.NewError(driver.KindVerificationRequired, "account requires login: token invalid or expired")
	}
	return New(Config{
		BaseURL:     f.BaseURL,
		AccessToken: acc.AccessToken,
		DeviceID:    acc.DeviceID,
		UserAgent:   acc.UserAgent,
		Cookies:     acc.CookieMap(),
		Logger:      f.Logger,
	}), nil
}

func (d *Driver) Start(ctx context.Context) error { return nil }
func (d *Driver) Stop(ctx context.Context) error  { return nil }

// GenerateVideo submits a creation request. Transient upstream failures
// (heavy load, 5xx) are retried here with backoff; everything else surfaces
// as a classified error for the orchestrator.
func (d *Driver) GenerateVideo(ctx context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	nFrames, ok := durationFrames[req.Duration]
	if !ok {
		nFrames = 180
	}

	orientation := "landscape"
	switch req.AspectRatio {
	case "9:16":
		orientation = "portrait"
	case "1:1":
		orientation = "square"
	}

	var fileID string
	if req.ImagePath != "" {
		id, err := d.UploadImage(ctx, req.ImagePath)
		if err != nil {
			return nil, err
		}
		fileID = id
	}

	payload := map[string]any{
		"kind":        "video",
		"prompt":      req.Prompt,
		"orientation": orientation,
		"size":        "small",
		"n_frames":    nFrames,
		"model":       "sy_8",
	}
	if fileID != "" {
		payload["inpaint_items"] = []map[string]any{{"kind": "file", "file_id": fileID}}
	}

	var out struct {
		ID    string `json:"id"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	err := retry.Do(
		func() error {
			err := d.postJSON(ctx, "/nf/create", payload, &out)
			if err != nil && driver.KindOf(err) != driver.KindTransient {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		msg := out.Error.Message
		if msg == "" {
			msg = "create returned no task id"
		}
		return nil, driver.NewError(driver.ClassifyMessage(out.Error.Code+" "+msg), msg)
	}
	return &driver.GenerateResult{TaskID: out.ID}, nil
}

// GetCredits fetches the remaining credit balance.
func (d *Driver) GetCredits(ctx context.Context) (*driver.CreditInfo, error) {
	var out struct {
		Credits      *int `json:"total_credits"`
		ResetSeconds int  `json:"seconds_until_reset"`
	}
	if err := d.getJSON(ctx, "/billing/credit_balance", &out); err != nil {
		return nil, err
	}
	return &driver.CreditInfo{Credits: out.Credits, ResetSeconds: out.ResetSeconds}, nil
}

// UploadImage uploads a source image and returns its remote file id.
func (d *Driver) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", driver.WrapError(driver.KindTerminal, "open image", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/project_y/file/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	d.setAuthHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", driver.WrapError(driver.KindTransient, "upload image", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", d.statusError("upload image", resp)
	}
	var out struct {
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", driver.WrapError(driver.KindTransient, "decode upload response", err)
	}
	// ids sometimes arrive suffixed with a fragment
	id, _, _ := strings.Cut(out.FileID, "#")
	return id, nil
}

// WaitForCompletion scans recent drafts for the remote task id. Returns nil
// when the task is not visible anywhere; correlation is strictly by id.
func (d *Driver) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*driver.VideoResult, error) {
	if taskID == "" {
		return nil, driver.NewError(driver.KindTerminal, "no remote task id to correlate by")
	}

	deadline := time.Now().Add(timeout)
	for {
		var out struct {
			Items []struct {
				ID             string `json:"id"`
				TaskID         string `json:"task_id"`
				URL            string `json:"url"`
				DownloadURL    string `json:"downloadable_url"`
				Status         string `json:"status"`
				FailureReason  string `json:"failure_reason"`
			} `json:"items"`
		}
		if err := d.getJSON(ctx, "/project_y/profile/drafts?limit=15", &out); err != nil {
			return nil, err
		}

		for _, item := range out.Items {
			if item.TaskID != taskID && item.ID != taskID {
				continue
			}
			if item.Status == "failed" || item.FailureReason != "" {
				return &driver.VideoResult{ID: item.ID, Status: "failed"}, nil
			}
			url := item.DownloadURL
			if url == "" {
				url = item.URL
			}
			if url != "" {
				return &driver.VideoResult{ID: item.ID, DownloadURL: url, Status: "succeeded"}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// GetPendingTasks lists the account's still-running generations.
func (d *Driver) GetPendingTasks(ctx context.Context) ([]driver.PendingTask, error) {
	var out struct {
		Tasks []struct {
			ID          string  `json:"id"`
			Status      string  `json:"status"`
			ProgressPct float64 `json:"progress_pct"`
		} `json:"tasks"`
	}
	if err := d.getJSON(ctx, "/nf/pending/v2", &out); err != nil {
		return nil, err
	}
	tasks := make([]driver.PendingTask, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		tasks = append(tasks, driver.PendingTask{ID: t.ID, Status: t.Status, ProgressPct: t.ProgressPct})
	}
	return tasks, nil
}

// DownloadVideo streams the file to w. When session cookies exist the bearer
// header is omitted entirely: the file host rejects requests carrying both.
func (d *Driver) DownloadVideo(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Referer", "https://sora.chatgpt.com/")
	if len(d.cookies) > 0 {
		for name, value := range d.cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	} else if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, driver.WrapError(driver.KindTransient, "download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, d.statusError("download", resp)
	}
	return io.Copy(w, resp.Body)
}

func (d *Driver) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Origin", "https://sora.chatgpt.com")
	req.Header.Set("Referer", "https://sora.chatgpt.com/")
	if d.deviceID != "" {
		req.Header.Set("Oai-Device-Id", d.deviceID)
	}
}

func (d *Driver) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	d.setAuthHeaders(req)
	return d.do(req, path, out)
}

func (d *Driver) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	d.setAuthHeaders(req)
	return d.do(req, path, out)
}

func (d *Driver) do(req *http.Request, path string, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return driver.WrapError(driver.KindTransient, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return d.statusError(path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return driver.WrapError(driver.KindTransient, "decode "+path, err)
	}
	return nil
}

// statusError maps an HTTP failure to a classified driver error, consuming
// up to a small slice of the body for the message.
func (d *Driver) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return driver.NewError(driver.KindTransient, msg)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return driver.NewError(driver.ClassifyMessage(string(body)+" verification_required"), msg)
	case resp.StatusCode == http.StatusPaymentRequired:
		return driver.NewError(driver.KindQuotaExhausted, msg)
	}
	if kind := driver.ClassifyMessage(string(body)); kind != driver.KindTerminal {
		return driver.NewError(kind, msg)
	}
	return driver.NewError(driver.KindTerminal, msg)
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.Factory = (*Factory)(nil)
