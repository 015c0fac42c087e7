package pancake

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/danhnguyen123/data-engineering-outsource/config"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	Namespace = "pancake"

	TableCustomers     = "customers"
	TableConversations = "conversations"
	TableMessages      = "messages"

	// DefaultPageWorkers is how many pages are read at once
	DefaultPageWorkers = 2
)

type Deps struct {
	Client    *Client
	Cache     redis.Cache
	Warehouse *warehouse.Warehouse
	Archive   *objectstore.Archiver
	Pages     []config.PancakePage
	Workers   int
}

type Source struct {
	Deps
	now    func() time.Time
	logger ectologger.Logger
}

func New(deps Deps, logger ectologger.Logger) *Source {
	if deps.Workers <= 0 {
		deps.Workers = DefaultPageWorkers
	}
	return &Source{Deps: deps, now: time.Now, logger: logger}
}

// Tables have no transform stage: extract writes transformed rows to staging.
func (s *Source) Tables() []*pipeline.Table {
	return []*pipeline.Table{
		{
			Namespace:   Namespace,
			Name:        TableCustomers,
			Extract:     s.extract(TableCustomers, s.customers),
			Load:        s.load(TableCustomers, "updated_at"),
			SignalGated: true,
		},
		{
			Namespace:   Namespace,
			Name:        TableConversations,
			Extract:     s.extract(TableConversations, s.conversations),
			Load:        s.load(TableConversations, "updated_at"),
			SignalGated: true,
		},
		{
			Namespace:   Namespace,
			Name:        TableMessages,
			Extract:     s.extractMessages,
			Load:        s.load(TableMessages, "inserted_at"),
			SignalGated: true,
			After:       []string{TableConversations},
		},
	}
}

// window is the run range as unix seconds in the warehouse timezone
type window struct {
	since, until int64
}

func runWindow(run pipeline.RunConfig) (window, error) {
	start, err := timeutil.StartOfDate(run.StartDate)
	if err != nil {
		return window{}, err
	}
	end, err := timeutil.EndOfDate(run.EndDate)
	if err != nil {
		return window{}, err
	}
	return window{since: start.Unix(), until: end.Unix()}, nil
}

// pageFunc reads and transforms one configured page; a nil frame means no rows
type pageFunc func(ctx context.Context, page config.PancakePage, w window) (*frame.Frame, error)

// extract reads every configured page and appends the rows to staging once all pages succeeded.
func (s *Source) extract(table string, read pageFunc) pipeline.StageFunc {
	return func(ctx context.Context, run pipeline.RunConfig) (pipeline.StageResult, error) {
		w, err := runWindow(run)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		log := s.logger.WithContext(ctx)
		log.Debugf("start - %d | end - %d", w.since, w.until)

		frames := make([]*frame.Frame, len(s.Pages))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.Workers)
		for i, page := range s.Pages {
			g.Go(func() error {
				f, err := read(gctx, page, w)
				if err != nil {
					return err
				}
				frames[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return pipeline.StageResult{}, err
		}

		// a customer can move between page_number pages while the extract runs
		f := frame.Concat(frames...).DedupeLast("id")
		if f.Empty() {
			log.Debug("The DataFrame has no data rows. Skip")
			return pipeline.Result(0, false), nil
		}
		log.Debugf("The DataFrame has %d rows.", f.Len())
		n, err := s.Warehouse.Append(ctx, s.Warehouse.StagingTable(Namespace, table), f)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		return pipeline.Result(n, n > 0), nil
	}
}

// load merges staging on id, keeping the row with the latest orderBy when a
// retried extract staged the same id twice, and clears it
func (s *Source) load(table, orderBy string) pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
		n, err := s.Warehouse.Merge(ctx, warehouse.MergeSpec{
			Target:        warehouse.CuratedTable(Namespace, table),
			Staging:       s.Warehouse.StagingTable(Namespace, table),
			Keys:          []string{"id"},
			OrderBy:       orderBy,
			TruncateAfter: true,
		})
		if err != nil {
			return pipeline.StageResult{}, err
		}
		return pipeline.StageResult{Records: int(n)}, nil
	}
}

func access(page config.PancakePage) Page {
	return Page{ID: page.PageID, AccessToken: page.PageAccessToken}
}

// conversationsKey lists the conversation ids read for a page
func conversationsKey(pageID string) string {
	return pageID + "_conversations"
}
