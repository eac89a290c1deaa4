package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/domain"
	"github.com/you/reclaim/internal/reports"
)

// Fetcher pulls and normalizes a tenant's external account data. The
// orchestrator only needs the resulting per-category counts; record
// persistence is handled by the fetcher's own collaborators.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID string) (*FetchResult, error)
}

type FetchResult struct {
	Counts domain.Counts
}

// report types driven through the partner reporting workflow, one per
// category the sync tracks.
const (
	reportOrders      = "ORDERS"
	reportInventory   = "INVENTORY"
	reportShipments   = "SHIPMENTS"
	reportReturns     = "RETURNS"
	reportSettlements = "SETTLEMENTS"
	reportFees        = "FEES"
)

// ReportClient is the slice of the report polling client the fetcher
// drives. reports.Client satisfies it.
type ReportClient interface {
	RequestAndDownload(ctx context.Context, tenantID, reportType string, start, end *time.Time) ([]reports.Record, error)
}

// ReportFetcher implements Fetcher over the report polling client. One
// report per category, covering a trailing window. A report that times out
// degrades that category to zero instead of failing the whole fetch; any
// other error aborts the sync (retry policy belongs to the caller).
type ReportFetcher struct {
	client ReportClient
	logger *zap.Logger
	window time.Duration
	now    func() time.Time
}

func NewReportFetcher(client ReportClient, window time.Duration, logger *zap.Logger) *ReportFetcher {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportFetcher{client: client, logger: logger, window: window, now: time.Now}
}

func (f *ReportFetcher) Fetch(ctx context.Context, tenantID string) (*FetchResult, error) {
	end := f.now().UTC()
	start := end.Add(-f.window)

	var res FetchResult
	categories := []struct {
		reportType string
		dst        *int
	}{
		{reportOrders, &res.Counts.Orders},
		{reportInventory, &res.Counts.Inventory},
		{reportShipments, &res.Counts.Shipments},
		{reportReturns, &res.Counts.Returns},
		{reportSettlements, &res.Counts.Settlements},
		{reportFees, &res.Counts.Fees},
	}

	for _, cat := range categories {
		records, err := f.client.RequestAndDownload(ctx, tenantID, cat.reportType, &start, &end)
		if err != nil {
			var timeout *reports.ReportTimeoutError
			if errors.As(err, &timeout) {
				f.logger.Warn("report timed out, skipping category",
					zap.String("tenant_id", tenantID),
					zap.String("report_type", cat.reportType),
					zap.Duration("elapsed", timeout.Elapsed))
				continue
			}
			return nil, errors.Wrapf(err, "fetch %s", cat.reportType)
		}
		*cat.dst = len(records)
	}
	return &res, nil
}
