package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	waits := &[]time.Duration{}
	c := NewClient(ClientOptions{
		BaseURL: srv.URL,
		Tokens:  staticTokens("test-token"),
	})
	c.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return c, waits
}

func TestRequestReport(t *testing.T) {
	var got requestReportBody
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/reports", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"reportId": "R-1"})
	}))

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	id, err := c.RequestReport(context.Background(), "t1", "SETTLEMENTS", &start, &end)
	require.NoError(t, err)
	assert.Equal(t, "R-1", id)
	assert.Equal(t, "SETTLEMENTS", got.ReportType)
	assert.Equal(t, "2026-08-01T00:00:00Z", got.DataStartTime)
	assert.Equal(t, "2026-08-31T00:00:00Z", got.DataEndTime)
}

func TestRequestReportFailsFast(t *testing.T) {
	c, waits := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	_, err := c.RequestReport(context.Background(), "t1", "SETTLEMENTS", nil, nil)
	require.Error(t, err)
	// No retry, no backoff: the caller owns retry policy.
	assert.Empty(t, *waits)
}

func TestPollStatusBackoffSchedule(t *testing.T) {
	polls := 0
	c, waits := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		json.NewEncoder(w).Encode(map[string]string{"processingStatus": "IN_PROGRESS"})
	}))

	_, err := c.PollStatus(context.Background(), "t1", "R-1")
	var timeout *ReportTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "R-1", timeout.ReportID)

	// 10, 20, 40, 80, then 120 forever (capped).
	require.GreaterOrEqual(t, len(*waits), 5)
	assert.Equal(t, 10*time.Second, (*waits)[0])
	assert.Equal(t, 20*time.Second, (*waits)[1])
	assert.Equal(t, 40*time.Second, (*waits)[2])
	assert.Equal(t, 80*time.Second, (*waits)[3])
	for _, w := range (*waits)[4:] {
		assert.Equal(t, 2*time.Minute, w)
	}

	// Gives up exactly when cumulative wait would exceed the 45m ceiling:
	// 10+20+40+80 + 21*120 = 2670s; one more 120s wait would breach 2700s.
	var total time.Duration
	for _, w := range *waits {
		total += w
	}
	assert.Equal(t, 2670*time.Second, total)
	assert.Equal(t, total, timeout.Elapsed)
	assert.Equal(t, len(*waits), polls)
}

func TestPollStatusDone(t *testing.T) {
	polls := 0
	c, waits := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "IN_QUEUE"
		doc := ""
		if polls >= 3 {
			status, doc = "DONE", "DOC-9"
		}
		json.NewEncoder(w).Encode(map[string]string{
			"processingStatus": status,
			"reportDocumentId": doc,
		})
	}))

	wf, err := c.PollStatus(context.Background(), "t1", "R-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, wf.Status)
	assert.Equal(t, "DOC-9", wf.DocumentID)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, *waits)
}

func TestPollStatusPartnerFailure(t *testing.T) {
	for _, status := range []string{"CANCELLED", "FATAL"} {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"processingStatus": status})
		}))
		_, err := c.PollStatus(context.Background(), "t1", "R-1")
		var failed *ReportFailedError
		require.ErrorAs(t, err, &failed, "status %s", status)
	}
}

func TestDownloadReportTwoStep(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/documents/DOC-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": base + "/signed/abc"})
	})
	mux.HandleFunc("/signed/abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "sku\tquantity\nA\t1\n")
	})
	c, _ := newTestClient(t, mux)
	base = c.baseURL

	content, err := c.DownloadReport(context.Background(), "t1", "DOC-9")
	require.NoError(t, err)
	assert.Equal(t, "sku\tquantity\nA\t1\n", string(content))
}

func TestRequestAndDownloadEmptyContent(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"reportId": "R-1"})
	})
	mux.HandleFunc("/reports/R-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"processingStatus": "DONE",
			"reportDocumentId": "DOC-1",
		})
	})
	mux.HandleFunc("/documents/DOC-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": base + "/signed/empty"})
	})
	mux.HandleFunc("/signed/empty", func(w http.ResponseWriter, r *http.Request) {})
	c, _ := newTestClient(t, mux)
	base = c.baseURL

	recs, err := c.RequestAndDownload(context.Background(), "t1", "SETTLEMENTS", nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestPollStatusSleepCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"processingStatus": "IN_PROGRESS"})
	}))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return errors.New("context canceled")
	}
	_, err := c.PollStatus(context.Background(), "t1", "R-1")
	require.Error(t, err)
	var timeout *ReportTimeoutError
	assert.False(t, errors.As(err, &timeout))
}
