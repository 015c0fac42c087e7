package eshop

import (
	"context"
	"fmt"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
)

var invoiceColumns = []string{
	"InvoiceId",
	"InvoiceNumber",
	"InvoiceType",
	"InvoiceDate",
	"BranchId",
	"BranchName",
	"TotalAmount",
	"CostAmount",
	"TaxAmount",
	"TotalItemAmount",
	"VATAmount",
	"DiscountAmount",
	"CashAmount",
	"CardAmount",
	"VoucherAmount",
	"DebitAmount",
	"ActualAmount",
	"Cashier",
	"SaleStaff",
	"PaymentStatus",
	"IsCOD",
	"AdditionBillType",
	"SaleChannelName",
	"HasConnectedShippingPartner",
	"PartnerStatus",
}

// extractInvoices pages invoices for the run window, resuming from the cached page.
// Each invoice is staged and queued in the caching collection for the detail extract.
func (s *Source) extractInvoices(ctx context.Context, run pipeline.RunConfig) (pipeline.StageResult, error) {
	from, err := timeutil.ISODate(run.StartDate)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	to, err := timeutil.ISODate(run.EndDate)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	log := s.logger.WithContext(ctx)
	log.Debugf("start - %s | end - %s", from, to)

	cursor := s.cursor(TableInvoices)
	page, err := cursor.Load(ctx, 1)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	total := 0
	for {
		log.Debugf("Get data %s from eshop | page %d", TableInvoices, page)
		invoices, err := s.Client.Invoices(ctx, page, from, to)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		if len(invoices) == 0 && total == 0 {
			log.Debug("There is no new data, skipping extract")
			if err := cursor.Clear(ctx); err != nil {
				return pipeline.StageResult{}, err
			}
			return pipeline.Result(0, false), nil
		}
		s.Archive.Archive(ctx, Namespace, TableInvoices, page, invoices)

		for _, invoice := range invoices {
			id, ok := invoice["InvoiceId"]
			if !ok || id == nil {
				return pipeline.StageResult{}, fmt.Errorf("invoice on page %d has no InvoiceId", page)
			}
			if err := s.Docs.UpsertByID(ctx, s.CachingDB, TableInvoices, id, map[string]any{
				"InvoiceId":       id,
				"GetDetailStatus": false,
			}); err != nil {
				return pipeline.StageResult{}, err
			}
			if err := s.Docs.UpsertByID(ctx, s.StagingDB, TableInvoices, id, invoice); err != nil {
				return pipeline.StageResult{}, err
			}
		}
		total += len(invoices)

		if len(invoices) > 0 {
			if err := cursor.Save(ctx, page); err != nil {
				return pipeline.StageResult{}, err
			}
		}
		if len(invoices) < PageLimit {
			break
		}
		page++
	}

	if err := cursor.Clear(ctx); err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.Result(total, true), nil
}

func (s *Source) transformInvoices(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.stage(ctx, TableInvoices, func(docs []map[string]any) *frame.Frame {
		return fromDocs(docs).
			StripTZ("InvoiceDate").
			Drop("InvoiceTime", "Point").
			Select(invoiceColumns...)
	})
}

func (s *Source) loadInvoices(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.merge(ctx, TableInvoices, "InvoiceDate", "InvoiceId")
}
