package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/reclaim/internal/reports"
)

// stubReportClient serves canned records or errors per report type.
type stubReportClient struct {
	mu      sync.Mutex
	calls   []string
	records map[string][]reports.Record
	errs    map[string]error
	start   time.Time
	end     time.Time
}

func (c *stubReportClient) RequestAndDownload(_ context.Context, _ string, reportType string, start, end *time.Time) ([]reports.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, reportType)
	if start != nil {
		c.start = *start
	}
	if end != nil {
		c.end = *end
	}
	if err := c.errs[reportType]; err != nil {
		return nil, err
	}
	return c.records[reportType], nil
}

func recs(n int) []reports.Record {
	return make([]reports.Record, n)
}

func TestReportFetcherCountsPerCategory(t *testing.T) {
	client := &stubReportClient{records: map[string][]reports.Record{
		reportOrders:      recs(7),
		reportInventory:   recs(3),
		reportShipments:   recs(5),
		reportReturns:     recs(2),
		reportSettlements: recs(4),
		reportFees:        recs(1),
	}}

	f := NewReportFetcher(client, 0, nil)
	res, err := f.Fetch(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 7, res.Counts.Orders)
	assert.Equal(t, 3, res.Counts.Inventory)
	assert.Equal(t, 5, res.Counts.Shipments)
	assert.Equal(t, 2, res.Counts.Returns)
	assert.Equal(t, 4, res.Counts.Settlements)
	assert.Equal(t, 1, res.Counts.Fees)
	assert.Len(t, client.calls, 6)
}

func TestReportTimeoutDegradesCategory(t *testing.T) {
	// A report that never finishes on the partner side zeroes its own
	// category; the other categories come through untouched.
	client := &stubReportClient{
		records: map[string][]reports.Record{
			reportOrders:      recs(7),
			reportInventory:   recs(3),
			reportReturns:     recs(2),
			reportSettlements: recs(4),
			reportFees:        recs(1),
		},
		errs: map[string]error{
			reportShipments: &reports.ReportTimeoutError{
				ReportID: "r-ship",
				Elapsed:  45 * time.Minute,
				Ceiling:  45 * time.Minute,
			},
		},
	}

	f := NewReportFetcher(client, 0, nil)
	res, err := f.Fetch(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Counts.Shipments)
	assert.Equal(t, 7, res.Counts.Orders)
	assert.Equal(t, 1, res.Counts.Fees)
	// Every category was still requested; the timeout skipped one, it did
	// not abort the pass.
	assert.Len(t, client.calls, 6)
}

func TestReportFailurePropagates(t *testing.T) {
	client := &stubReportClient{
		records: map[string][]reports.Record{
			reportOrders: recs(7),
		},
		errs: map[string]error{
			reportSettlements: errors.New("request throttled"),
		},
	}

	f := NewReportFetcher(client, 0, nil)
	res, err := f.Fetch(context.Background(), "t1")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "SETTLEMENTS")
	assert.Contains(t, err.Error(), "request throttled")
}

func TestReportFetcherWindow(t *testing.T) {
	client := &stubReportClient{}
	f := NewReportFetcher(client, 0, nil)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	_, err := f.Fetch(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, fixed, client.end)
	assert.Equal(t, 30*24*time.Hour, client.end.Sub(client.start))
}
