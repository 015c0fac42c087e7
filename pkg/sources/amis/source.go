package amis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	Namespace = "amis"

	TableStocks         = "stocks"
	TableSupplyGoods    = "supply_goods"
	TableAccountObjects = "account_objects"

	// VarFullLoad set to true in the run conf syncs dictionaries from scratch
	VarFullLoad = "full_load"
)

type Deps struct {
	Web       *WebClient
	Open      *OpenClient
	Docs      docstore.Store
	Warehouse *warehouse.Warehouse
	Archive   *objectstore.Archiver
	StagingDB string
}

type Source struct {
	Deps
	logger ectologger.Logger
}

func New(deps Deps, logger ectologger.Logger) *Source {
	return &Source{Deps: deps, logger: logger}
}

// listFunc reads one page of a web list endpoint
type listFunc func(ctx context.Context, page, loadMode int) (*Page, error)

func (s *Source) Tables() []*pipeline.Table {
	return []*pipeline.Table{
		{
			Namespace:   Namespace,
			Name:        TableStocks,
			Extract:     s.extractWeb(TableStocks, "stock_id", s.Web.Stocks),
			Transform:   s.transform(TableStocks),
			Load:        s.load(TableStocks, "stock_id"),
			SignalGated: true,
		},
		{
			Namespace:   Namespace,
			Name:        TableSupplyGoods,
			Extract:     s.extractWeb(TableSupplyGoods, "inventory_item_id", s.Web.InventoryItems),
			Transform:   s.transform(TableSupplyGoods),
			Load:        s.load(TableSupplyGoods, "inventory_item_id"),
			SignalGated: true,
		},
		{
			Namespace:   Namespace,
			Name:        TableAccountObjects,
			Extract:     s.extractAccountObjects,
			Transform:   s.transform(TableAccountObjects),
			Load:        s.load(TableAccountObjects, "account_object_id"),
			SignalGated: true,
		},
	}
}

// extractWeb counts the rows, then stages every page keyed by idField
func (s *Source) extractWeb(table, idField string, list listFunc) pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
		log := s.logger.WithContext(ctx)
		log.Debug("start - full load")

		summary, err := list(ctx, 1, LoadModeCount)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		pages := int(math.Ceil(float64(summary.Total) / WebPageLimit))
		log.Debugf("%s has %d rows in %d pages", table, summary.Total, pages)

		staged := 0
		for page := 1; page <= pages; page++ {
			log.Debugf("Get data %s from amis | page %d", table, page)
			data, err := list(ctx, page, LoadModeList)
			if err != nil {
				return pipeline.StageResult{}, err
			}
			if len(data.PageData) == 0 {
				break
			}
			s.Archive.Archive(ctx, Namespace, table, page, data.PageData)
			if err := s.stageDocs(ctx, table, idField, data.PageData); err != nil {
				return pipeline.StageResult{}, err
			}
			staged += len(data.PageData)
		}

		if staged == 0 {
			log.Debug("There is no new data, skipping extract")
		}
		return pipeline.Result(staged, staged > 0), nil
	}
}

func (s *Source) extractAccountObjects(ctx context.Context, run pipeline.RunConfig) (pipeline.StageResult, error) {
	var since *time.Time
	if full, _ := run.Vars[VarFullLoad].(bool); !full && run.Var(VarFullLoad) != "true" {
		t, err := timeutil.StartOfDate(run.StartDate)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		since = &t
	}

	staged := 0
	for skip, page := 0, 1; ; skip, page = skip+OpenPageLimit, page+1 {
		rows, err := s.Open.Dictionary(ctx, DictionaryAccountObject, skip, OpenPageLimit, since)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		if len(rows) > 0 {
			s.Archive.Archive(ctx, Namespace, TableAccountObjects, page, rows)
			if err := s.stageDocs(ctx, TableAccountObjects, "account_object_id", rows); err != nil {
				return pipeline.StageResult{}, err
			}
			staged += len(rows)
		}
		if len(rows) < OpenPageLimit {
			break
		}
	}
	return pipeline.Result(staged, staged > 0), nil
}

func (s *Source) stageDocs(ctx context.Context, table, idField string, rows []map[string]any) error {
	for _, row := range rows {
		id, ok := row[idField]
		if !ok || id == nil {
			return fmt.Errorf("%s row has no %s", table, idField)
		}
		if err := s.Docs.UpsertByID(ctx, s.StagingDB, table, id, row); err != nil {
			return err
		}
	}
	return nil
}

// transform reloads staging from the staged documents with timezone suffixes removed
func (s *Source) transform(table string) pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
		staging := s.Warehouse.StagingTable(Namespace, table)
		if err := s.Warehouse.Truncate(ctx, staging); err != nil {
			return pipeline.StageResult{}, err
		}
		docs, err := s.Docs.Find(ctx, s.StagingDB, table, nil)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		f := frame.FromRecords(docs).Drop("_id").StripTZ("created_date", "modified_date")
		s.logger.WithContext(ctx).Debugf("The frame has %d rows", f.Len())

		n, err := s.Warehouse.Append(ctx, staging, f)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		return pipeline.StageResult{Records: n}, nil
	}
}

func (s *Source) load(table, key string) pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
		n, err := s.Warehouse.Merge(ctx, warehouse.MergeSpec{
			Target:  warehouse.CuratedTable(Namespace, table),
			Staging: s.Warehouse.StagingTable(Namespace, table),
			Keys:    []string{key},
			OrderBy: "modified_date",
		})
		if err != nil {
			return pipeline.StageResult{}, err
		}
		return pipeline.StageResult{Records: int(n)}, nil
	}
}
