package catalog

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// RangeFetcher fetches tabular rows (header row first) for a named range.
// Implemented by *SheetsFetcher in production and faked in tests.
type RangeFetcher interface {
	FetchRange(ctx context.Context, spreadsheetID, rangeName string) ([][]string, error)
}

// SheetSource names the four ranges a sync pulls from one spreadsheet.
type SheetSource struct {
	SpreadsheetID    string
	RangeProducts    string
	RangeGenerators  string
	RangeBranches    string
	RangeConfig      string
}

// RawRanges holds the four fetched, unparsed ranges.
type RawRanges struct {
	Products   [][]string
	Generators [][]string
	Branches   [][]string
	Config     [][]string
}

// SheetsFetcher reads named ranges out of a Google Sheets spreadsheet.
type SheetsFetcher struct {
	svc *sheets.Service
}

// NewSheetsFetcher builds a fetcher from an API key. Use NewSheetsFetcherWithOptions
// for other auth methods (ADC, service-account JSON, OAuth).
func NewSheetsFetcher(ctx context.Context, apiKey string) (*SheetsFetcher, error) {
	return NewSheetsFetcherWithOptions(ctx, option.WithAPIKey(apiKey))
}

// NewSheetsFetcherWithOptions builds a fetcher from arbitrary google.golang.org/api options.
func NewSheetsFetcherWithOptions(ctx context.Context, opts ...option.ClientOption) (*SheetsFetcher, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog: building sheets client: %w", err)
	}
	return &SheetsFetcher{svc: svc}, nil
}

// FetchRange returns one row of cells per spreadsheet row, as strings.
func (f *SheetsFetcher) FetchRange(ctx context.Context, spreadsheetID, rangeName string) ([][]string, error) {
	resp, err := f.svc.Spreadsheets.Values.Get(spreadsheetID, rangeName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("catalog: fetching range %q: %w", rangeName, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		cells := make([]string, 0, len(row))
		for _, cell := range row {
			cells = append(cells, fmt.Sprintf("%v", cell))
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// FetchAll pulls all four named ranges concurrently, per the sync algorithm's
// first step. The whole fetch fails if any single range fails.
func FetchAll(ctx context.Context, f RangeFetcher, src SheetSource) (RawRanges, error) {
	var raw RawRanges
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := f.FetchRange(gctx, src.SpreadsheetID, src.RangeProducts)
		if err != nil {
			return err
		}
		raw.Products = rows
		return nil
	})
	g.Go(func() error {
		rows, err := f.FetchRange(gctx, src.SpreadsheetID, src.RangeGenerators)
		if err != nil {
			return err
		}
		raw.Generators = rows
		return nil
	})
	g.Go(func() error {
		rows, err := f.FetchRange(gctx, src.SpreadsheetID, src.RangeBranches)
		if err != nil {
			return err
		}
		raw.Branches = rows
		return nil
	})
	g.Go(func() error {
		rows, err := f.FetchRange(gctx, src.SpreadsheetID, src.RangeConfig)
		if err != nil {
			return err
		}
		raw.Config = rows
		return nil
	})

	if err := g.Wait(); err != nil {
		return RawRanges{}, err
	}
	return raw, nil
}
