package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TokenProvider supplies per-tenant access tokens. Credential acquisition
// and refresh live outside this core.
type TokenProvider interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
}

// Client drives the partner's asynchronous report workflow:
// request -> poll with backoff -> download -> parse.
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         TokenProvider
	marketplaceIDs []string
	logger         *zap.Logger

	pollInitial time.Duration
	pollCap     time.Duration
	pollCeiling time.Duration

	// sleep is swapped out in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

type ClientOptions struct {
	BaseURL        string
	HTTPClient     *http.Client
	Tokens         TokenProvider
	MarketplaceIDs []string
	Logger         *zap.Logger
	PollCeiling    time.Duration
}

func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ceiling := opts.PollCeiling
	if ceiling <= 0 {
		ceiling = 45 * time.Minute
	}
	return &Client{
		baseURL:        opts.BaseURL,
		http:           hc,
		tokens:         opts.Tokens,
		marketplaceIDs: opts.MarketplaceIDs,
		logger:         logger,
		pollInitial:    10 * time.Second,
		pollCap:        2 * time.Minute,
		pollCeiling:    ceiling,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type requestReportBody struct {
	ReportType     string   `json:"reportType"`
	MarketplaceIDs []string `json:"marketplaceIds"`
	DataStartTime  string   `json:"dataStartTime,omitempty"`
	DataEndTime    string   `json:"dataEndTime,omitempty"`
}

// RequestReport asks the partner to generate a report. Fails fast on
// transport/auth errors: retry policy belongs to the caller.
func (c *Client) RequestReport(ctx context.Context, tenantID, reportType string, start, end *time.Time) (string, error) {
	body := requestReportBody{ReportType: reportType, MarketplaceIDs: c.marketplaceIDs}
	if start != nil {
		body.DataStartTime = start.UTC().Format(time.RFC3339)
	}
	if end != nil {
		body.DataEndTime = end.UTC().Format(time.RFC3339)
	}

	var resp struct {
		ReportID string `json:"reportId"`
	}
	if err := c.doJSON(ctx, tenantID, http.MethodPost, c.baseURL+"/reports", body, &resp); err != nil {
		return "", errors.Wrapf(err, "request %s report", reportType)
	}
	if resp.ReportID == "" {
		return "", errors.Errorf("request %s report: partner returned no reportId", reportType)
	}
	c.logger.Debug("report requested",
		zap.String("tenant_id", tenantID),
		zap.String("report_type", reportType),
		zap.String("report_id", resp.ReportID))
	return resp.ReportID, nil
}

// PollStatus polls the report until it reaches a terminal status or the
// ceiling elapses. Waits start at 10s and double per check, capped at 2
// minutes; the client gives up exactly when the next wait would push
// cumulative waiting past the ceiling.
func (c *Client) PollStatus(ctx context.Context, tenantID, reportID string) (*Workflow, error) {
	wait := c.pollInitial
	var elapsed time.Duration

	for {
		if elapsed+wait > c.pollCeiling {
			return nil, &ReportTimeoutError{ReportID: reportID, Elapsed: elapsed, Ceiling: c.pollCeiling}
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		elapsed += wait

		wf, err := c.getReport(ctx, tenantID, reportID)
		if err != nil {
			return nil, err
		}
		switch wf.Status {
		case StatusDone:
			return wf, nil
		case StatusCancelled, StatusFatal:
			return nil, &ReportFailedError{ReportID: reportID, Status: wf.Status}
		}

		wait *= 2
		if wait > c.pollCap {
			wait = c.pollCap
		}
	}
}

func (c *Client) getReport(ctx context.Context, tenantID, reportID string) (*Workflow, error) {
	var resp struct {
		ProcessingStatus  string `json:"processingStatus"`
		ReportDocumentID  string `json:"reportDocumentId"`
		ProcessingEndTime string `json:"processingEndTime"`
	}
	u := c.baseURL + "/reports/" + url.PathEscape(reportID)
	if err := c.doJSON(ctx, tenantID, http.MethodGet, u, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "poll report %s", reportID)
	}
	return &Workflow{
		ReportID:   reportID,
		Status:     normalizeStatus(resp.ProcessingStatus),
		DocumentID: resp.ReportDocumentID,
	}, nil
}

// DownloadReport resolves the document's signed URL, then fetches the raw
// content from it.
func (c *Client) DownloadReport(ctx context.Context, tenantID, documentID string) ([]byte, error) {
	var doc struct {
		URL string `json:"url"`
	}
	u := c.baseURL + "/documents/" + url.PathEscape(documentID)
	if err := c.doJSON(ctx, tenantID, http.MethodGet, u, nil, &doc); err != nil {
		return nil, errors.Wrapf(err, "resolve document %s", documentID)
	}
	if doc.URL == "" {
		return nil, errors.Errorf("document %s: partner returned no url", documentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download document %s", documentID)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("download document %s: status %d", documentID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// RequestAndDownload composes the full workflow and parses the result.
// Empty content yields an empty list, not an error.
func (c *Client) RequestAndDownload(ctx context.Context, tenantID, reportType string, start, end *time.Time) ([]Record, error) {
	reportID, err := c.RequestReport(ctx, tenantID, reportType, start, end)
	if err != nil {
		return nil, err
	}
	wf, err := c.PollStatus(ctx, tenantID, reportID)
	if err != nil {
		return nil, err
	}
	content, err := c.DownloadReport(ctx, tenantID, wf.DocumentID)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return []Record{}, nil
	}
	return ParseTSV(content), nil
}

func (c *Client) doJSON(ctx context.Context, tenantID, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx, tenantID)
		if err != nil {
			return errors.Wrap(err, "acquire access token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, truncate(b, 200))
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(b, out), "decode response")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
