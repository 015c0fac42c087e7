package eshop

import (
	"context"
	"fmt"
	"time"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
)

// VarFullLoad set to true in the run conf reads every inventory item
const VarFullLoad = "full_load"

var inventoryItemColumns = []string{
	"Id",
	"Code",
	"Name",
	"ItemType",
	"ItemCategoryId",
	"ItemCategoryName",
	"Barcode",
	"CostPrice",
	"Color",
	"Size",
	"Description",
	"IsItem",
	"Inactive",
	"UnitId",
	"UnitName",
	"AvgUnitPrice",
	"ProductId",
	"ProductCode",
	"ProductName",
	"BranchId",
	"BranchName",
	"SellingPrice",
	"OnHand",
	"Ordered",
	"PreOrdered",
	"ModifiedDate",
}

func lastSync(run pipeline.RunConfig) (*time.Time, error) {
	if full, _ := run.Vars[VarFullLoad].(bool); full || run.Var(VarFullLoad) == "true" {
		return nil, nil
	}
	t, err := timeutil.StartOfDate(run.StartDate)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Source) extractInventoryItems(ctx context.Context, run pipeline.RunConfig) (pipeline.StageResult, error) {
	since, err := lastSync(run)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	log := s.logger.WithContext(ctx)
	if since == nil {
		log.Debug("start - full load")
	} else {
		log.Debugf("start - %s", since.Format(syncDateLayout))
	}

	cursor := s.cursor(TableInventoryItems)
	page, err := cursor.Load(ctx, 1)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	total := 0
	for {
		log.Debugf("Get data %s from eshop | page %d", TableInventoryItems, page)
		items, err := s.Client.InventoryItems(ctx, page, since)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		if len(items) == 0 && total == 0 {
			log.Debug("There is no new data, skipping extract")
			if err := cursor.Clear(ctx); err != nil {
				return pipeline.StageResult{}, err
			}
			return pipeline.Result(0, false), nil
		}
		s.Archive.Archive(ctx, Namespace, TableInventoryItems, page, items)

		for _, item := range items {
			id, ok := item["Id"]
			if !ok || id == nil {
				return pipeline.StageResult{}, fmt.Errorf("inventory item on page %d has no Id", page)
			}
			if err := s.Docs.UpsertByID(ctx, s.StagingDB, TableInventoryItems, id, item); err != nil {
				return pipeline.StageResult{}, err
			}
		}
		total += len(items)

		if len(items) > 0 {
			if err := cursor.Save(ctx, page); err != nil {
				return pipeline.StageResult{}, err
			}
		}
		if len(items) < PageLimit {
			break
		}
		page++
	}

	if err := cursor.Clear(ctx); err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.Result(total, true), nil
}

// transformInventoryItems emits one row per item and branch.
// A branch without its own selling price falls back to the item price.
func (s *Source) transformInventoryItems(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.stage(ctx, TableInventoryItems, func(docs []map[string]any) *frame.Frame {
		f := fromDocs(docs).
			Drop("BranchId", "Picture", "ListPictureUrl").
			Rename(map[string]string{"SellingPrice": "SellingPriceBK"}).
			Explode("Inventories").
			Normalize("Inventories")
		return f.
			Apply("SellingPrice", func(row map[string]any) any {
				if v := row["SellingPrice"]; v != nil && v != 0.0 {
					return v
				}
				return row["SellingPriceBK"]
			}).
			Drop("SellingPriceBK").
			EmptyToNull("Color", "Size", "Description").
			StripTZ("ModifiedDate").
			Select(inventoryItemColumns...)
	})
}

func (s *Source) loadInventoryItems(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
	return s.merge(ctx, TableInventoryItems, "ModifiedDate", "Id", "BranchId")
}
