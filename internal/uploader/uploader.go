// Package uploader delivers queued positions to the remote collector.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Uploader is the remote "add position" operation. Any non-nil error other
// than cancellation is treated by the pipeline as a retryable failure.
type Uploader interface {
	Upload(ctx context.Context, sessionID int64, latitude, longitude float64) error
}

// HTTPUploader posts positions as JSON to the collector endpoint.
type HTTPUploader struct {
	url    string
	client *http.Client
}

func NewHTTP(url string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type positionRequest struct {
	SessionID int64   `json:"session_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (u *HTTPUploader) Upload(ctx context.Context, sessionID int64, latitude, longitude float64) error {
	payload, _ := json.Marshal(positionRequest{SessionID: sessionID, Latitude: latitude, Longitude: longitude})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
