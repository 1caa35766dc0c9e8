package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
)

// ArchiveClient looks frames up in the science archive and downloads them
type ArchiveClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewArchiveClient creates a client for the archive API at baseURL
func NewArchiveClient(baseURL, token string, timeout time.Duration) *ArchiveClient {
	return &ArchiveClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type frameList struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

// FrameURL returns the download URL of the frame with the exact basename
func (a *ArchiveClient) FrameURL(ctx context.Context, basename string) (string, error) {
	if a.baseURL == "" {
		return "", perrors.New(perrors.CodeInvalidConfig, "archive API url is not configured")
	}

	query := url.Values{"basename_exact": {basename}}
	endpoint := a.baseURL + "/frames/?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	if a.token != "" {
		req.Header.Set("Authorization", "Token "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", perrors.Wrap(err, perrors.CodeNetwork, "failed to query archive")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "archive lookup for "+basename); err != nil {
		return "", err
	}

	var frames frameList
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return "", perrors.Wrap(err, perrors.CodeNetwork, "failed to decode archive response")
	}

	if len(frames.Results) == 0 || frames.Results[0].URL == "" {
		return "", perrors.Newf(perrors.CodeNotFound, "Frame %s not found in the archive", basename)
	}

	return frames.Results[0].URL, nil
}

// Download looks the frame up and streams it to destPath
func (a *ArchiveClient) Download(ctx context.Context, basename, destPath string) error {
	frameURL, err := a.FrameURL(ctx, basename)
	if err != nil {
		return err
	}

	return a.fetch(ctx, frameURL, destPath)
}

func (a *ArchiveClient) fetch(ctx context.Context, fileURL, destPath string) error {
	// Ensure the destination directory exists
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "failed to download frame")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "frame download"); err != nil {
		return err
	}

	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", destPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "failed to write frame")
	}

	// Sync to ensure the file is written
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

// checkStatus turns a non-200 response into a coded error
func checkStatus(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return perrors.Newf(perrors.CodeNotFound, "%s: not found", what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return perrors.Newf(perrors.CodeUnauthorized, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return perrors.Newf(perrors.CodeRateLimit, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode >= 500:
		return perrors.Newf(perrors.CodeNetwork, "%s: status %d", what, resp.StatusCode)
	default:
		return perrors.Newf(perrors.CodeInvalidInput, "%s: status %d", what, resp.StatusCode)
	}
}
