package eshop

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	Namespace = "eshop"

	TableInvoices       = "invoices"
	TableInvoiceDetails = "invoice_details"
	TableInventoryItems = "inventory_items"

	// DefaultDetailWorkers bounds concurrent invoice detail requests
	DefaultDetailWorkers = 4
)

// Deps are the collaborators shared by the eshop tables
type Deps struct {
	Client    *Client
	Docs      docstore.Store
	Cache     redis.Cache
	Warehouse *warehouse.Warehouse
	Archive   *objectstore.Archiver
	StagingDB string
	CachingDB string
	// DetailWorkers defaults to DefaultDetailWorkers
	DetailWorkers int
}

type Source struct {
	Deps
	logger ectologger.Logger
}

func New(deps Deps, logger ectologger.Logger) *Source {
	if deps.DetailWorkers <= 0 {
		deps.DetailWorkers = DefaultDetailWorkers
	}
	return &Source{Deps: deps, logger: logger}
}

// Tables returns the eshop pipelines; invoice_details reads what invoices caches.
func (s *Source) Tables() []*pipeline.Table {
	return []*pipeline.Table{
		{
			Namespace:   Namespace,
			Name:        TableInvoices,
			Extract:     s.extractInvoices,
			Transform:   s.transformInvoices,
			Load:        s.loadInvoices,
			SignalGated: true,
		},
		{
			Namespace:   Namespace,
			Name:        TableInvoiceDetails,
			Extract:     s.extractInvoiceDetails,
			Transform:   s.transformInvoiceDetails,
			Load:        s.loadInvoiceDetails,
			SignalGated: true,
			After:       []string{TableInvoices},
		},
		{
			Namespace:   Namespace,
			Name:        TableInventoryItems,
			Extract:     s.extractInventoryItems,
			Transform:   s.transformInventoryItems,
			Load:        s.loadInventoryItems,
			SignalGated: true,
		},
	}
}

func (s *Source) cursor(table string) *redis.Cursor {
	return redis.NewCursor(s.Cache, fmt.Sprintf("cursor:%s:%s:page", Namespace, table), redis.DefaultCursorTTL)
}

// stage truncates the staging table and appends the frame built from the staged documents
func (s *Source) stage(ctx context.Context, table string, build func(docs []map[string]any) *frame.Frame) (pipeline.StageResult, error) {
	staging := s.Warehouse.StagingTable(Namespace, table)
	if err := s.Warehouse.Truncate(ctx, staging); err != nil {
		return pipeline.StageResult{}, err
	}

	docs, err := s.Docs.Find(ctx, s.StagingDB, table, nil)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	f := build(docs)
	s.logger.WithContext(ctx).Debugf("The frame has %d rows", f.Len())

	n, err := s.Warehouse.Append(ctx, staging, f)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.StageResult{Records: n}, nil
}

func (s *Source) merge(ctx context.Context, table, orderBy string, keys ...string) (pipeline.StageResult, error) {
	n, err := s.Warehouse.Merge(ctx, warehouse.MergeSpec{
		Target:  warehouse.CuratedTable(Namespace, table),
		Staging: s.Warehouse.StagingTable(Namespace, table),
		Keys:    keys,
		OrderBy: orderBy,
	})
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.StageResult{Records: int(n)}, nil
}

// fromDocs builds a frame without the mongo _id
func fromDocs(docs []map[string]any) *frame.Frame {
	return frame.FromRecords(docs).Drop("_id")
}
