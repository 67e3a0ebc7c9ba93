// Package client calls the classroll API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"classroll/internal/apperr"
	"classroll/internal/livesync"
	"classroll/internal/model"
	"classroll/internal/report"
)

// Client is an authenticated API client.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client. Polling calls are short, exports may take longer.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Live fetches the live snapshot of the active session, or of sessionUUID
// through the public projector route.
func (c *Client) Live(ctx context.Context, sessionUUID string) (livesync.Snapshot, error) {
	path := "/attendance/live"
	if sessionUUID != "" {
		path = "/api/session/" + url.PathEscape(sessionUUID) + "/live"
	}
	var out livesync.Snapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Monitor fetches the full roster of a session; 0 selects the active one.
func (c *Client) Monitor(ctx context.Context, sessionID int64, sort livesync.SortKey) (livesync.MonitorView, error) {
	q := url.Values{}
	if sessionID > 0 {
		q.Set("session_id", strconv.FormatInt(sessionID, 10))
	}
	if sort != "" {
		q.Set("sort", string(sort))
	}
	path := "/session/monitor"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out livesync.MonitorView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Override forces a student's status in the active session.
func (c *Client) Override(ctx context.Context, identity string, status model.Status) error {
	body := map[string]string{"student_identity": identity, "status": string(status)}
	return c.do(ctx, http.MethodPost, "/attendance/override", body, nil)
}

// Generate returns the unfiltered report table for f.
func (c *Client) Generate(ctx context.Context, f report.Filter) (report.Table, error) {
	var out report.Table
	err := c.do(ctx, http.MethodPost, "/api/export/generate", f, &out)
	return out, err
}

// Export downloads the CSV or XLSX rendering of f with the status post-filter
// applied. It returns the file body and the server suggested file name.
func (c *Client) Export(ctx context.Context, f report.Filter, format string) ([]byte, string, error) {
	if format != "csv" && format != "xlsx" {
		return nil, "", apperr.Validationf("unknown export format %q", format)
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/export/"+format, f)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperr.Transient(fmt.Errorf("read export: %w", err))
	}
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return data, name, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// send performs the request and converts non-2xx responses to typed errors.
func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp)
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFoundf("%s", msg)
	case resp.StatusCode == http.StatusConflict:
		return apperr.Conflictf("%s", msg)
	case resp.StatusCode == http.StatusBadRequest:
		return apperr.Validationf("%s", msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Transient(fmt.Errorf("api error %s: %s", resp.Status, msg))
	default:
		return fmt.Errorf("api error %s: %s", resp.Status, msg)
	}
}
