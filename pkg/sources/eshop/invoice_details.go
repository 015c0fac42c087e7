package eshop

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
)

var invoiceDetailColumns = []string{
	"InvoiceId",
	"InvoiceDetailType",
	"Name",
	"Quantity",
	"UnitName",
	"UnitPrice",
	"Amount",
	"TotalAmount",
	"DiscountAmount",
	"SortOrder",
	"CustomerId",
	"SKU",
}

// extractInvoiceDetails fetches line items for every cached invoice not yet processed.
// The caching collection is dropped once all of them are staged.
func (s *Source) extractInvoiceDetails(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	pending, err := s.Docs.Find(ctx, s.CachingDB, TableInvoices, map[string]any{"GetDetailStatus": false})
	if err != nil {
		return pipeline.StageResult{}, err
	}
	if len(pending) == 0 {
		s.logger.WithContext(ctx).Debug("There is no new data, skipping extract")
		return pipeline.Result(0, false), nil
	}
	s.logger.WithContext(ctx).Infof("Fetching details for %d invoices", len(pending))

	var staged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.DetailWorkers)
	for _, doc := range pending {
		id := fmt.Sprint(doc["InvoiceId"])
		g.Go(func() error {
			detail, err := s.Client.InvoiceDetail(gctx, id)
			if err != nil {
				return fmt.Errorf("invoice %s: %w", id, err)
			}
			if err := s.Docs.UpsertByID(gctx, s.CachingDB, TableInvoices, id, map[string]any{"GetDetailStatus": true}); err != nil {
				return err
			}
			if err := s.Docs.UpsertByID(gctx, s.StagingDB, TableInvoiceDetails, id, map[string]any{
				"InvoiceId":      id,
				"CustomerId":     detail["CustomerId"],
				"InvoiceDetails": detail["InvocieDetails"],
			}); err != nil {
				return err
			}
			staged.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.StageResult{}, err
	}

	if err := s.Docs.Drop(ctx, s.CachingDB, TableInvoices); err != nil {
		return pipeline.StageResult{}, fmt.Errorf("failed to clear cached invoices: %w", err)
	}
	return pipeline.Result(int(staged.Load()), true), nil
}

func (s *Source) transformInvoiceDetails(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.stage(ctx, TableInvoiceDetails, func(docs []map[string]any) *frame.Frame {
		return fromDocs(docs).
			Explode("InvoiceDetails").
			Normalize("InvoiceDetails").
			Drop("EncodeInventoryItemName").
			Select(invoiceDetailColumns...)
	})
}

func (s *Source) loadInvoiceDetails(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.merge(ctx, TableInvoiceDetails, "", "InvoiceId", "SKU")
}
