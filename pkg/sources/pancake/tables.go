package pancake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/danhnguyen123/data-engineering-outsource/config"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
)

var (
	customerColumns = []string{
		"id", "name", "gender", "lives_in", "birthday", "phone_numbers",
		"inserted_at", "updated_at", "customer_id",
	}
	conversationColumns = []string{
		"id", "type", "tags", "seen", "from", "inserted_at", "updated_at", "message_count",
		"page_id", "last_sent_by", "recent_phone_numbers", "page_customer", "ad_ids",
	}
	messageColumns = []string{
		"id", "seen", "from", "inserted_at", "page_id", "conversation_id", "attachments", "original_message",
	}
)

// MessageLookback is how far before the newest message a conversation is read
const MessageLookback = 3 * 24 * time.Hour

func (s *Source) customers(ctx context.Context, page config.PancakePage, w window) (*frame.Frame, error) {
	var rows []map[string]any
	for n := 1; ; n++ {
		s.logger.WithContext(ctx).Debugf("Get data %s from Pancake | page %s | page_number %d", TableCustomers, page.PageID, n)
		batch, err := s.Client.PageCustomers(ctx, access(page), w.since, w.until, n)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		s.Archive.Archive(ctx, Namespace, TableCustomers+"/"+page.PageID, n, batch)
		rows = append(rows, batch...)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	f := frame.FromRecords(rows).
		SelectAvailable(customerColumns...).
		FloorSeconds("inserted_at", "updated_at").
		With("platform", page.Platform).
		With("page_name", page.Name).
		With("ingested_at", timeutil.NowLocal(s.now()))
	return f, nil
}

func (s *Source) conversations(ctx context.Context, page config.PancakePage, w window) (*frame.Frame, error) {
	var (
		rows   []map[string]any
		lastID string
	)
	for n := 1; ; n++ {
		s.logger.WithContext(ctx).Debugf("Get data %s from Pancake | page %s | page_number %d", TableConversations, page.PageID, n)
		batch, err := s.Client.Conversations(ctx, access(page), w.since, w.until, lastID)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		s.Archive.Archive(ctx, Namespace, TableConversations+"/"+page.PageID, n, batch)
		rows = append(rows, batch...)
		lastID = fmt.Sprint(batch[len(batch)-1]["id"])
	}
	if len(rows) == 0 {
		return nil, nil
	}

	f := frame.FromRecords(rows).SelectAvailable(conversationColumns...)
	f.Map("tags", func(v any) any { return listField(v, "text") }).
		Map("from", func(v any) any { return frame.Pick(v, map[string]string{"id": "id", "name": "name"}) }).
		FloorSeconds("inserted_at", "updated_at").
		Map("last_sent_by", func(v any) any {
			return frame.Pick(v, map[string]string{"admin_id": "admin_id", "admin_name": "admin_name"})
		}).
		Map("recent_phone_numbers", func(v any) any { return listField(v, "phone_number") }).
		Map("page_customer", func(v any) any {
			return frame.Pick(v, map[string]string{
				"id": "id", "name": "name", "customer_id": "customer_id", "psid": "psid", "global_id": "global_id",
			})
		}).
		With("platform", page.Platform).
		With("page_name", page.Name).
		Apply("link", func(row map[string]any) any { return fmt.Sprintf("%s?c_id=%v", page.PancakeURL, row["id"]) }).
		Rename(map[string]string{"from": "customers"})

	ids := f.Strings("id")
	key := conversationsKey(page.PageID)
	if err := s.Cache.ReplaceList(ctx, key, ids); err != nil {
		return nil, fmt.Errorf("failed to cache conversations of page %s: %w", page.PageID, err)
	}
	s.logger.WithContext(ctx).Debugf("Cached %d conversations at %s", len(ids), key)
	return f, nil
}

// extractMessages stages messages of the cached conversations and clears the cache once staged.
func (s *Source) extractMessages(ctx context.Context, run pipeline.RunConfig) (pipeline.StageResult, error) {
	res, err := s.extract(TableMessages, s.messages)(ctx, run)
	if err != nil {
		return res, err
	}
	for _, page := range s.Pages {
		if err := s.Cache.Del(ctx, conversationsKey(page.PageID)); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to clear conversations of page %s", page.PageID)
		}
	}
	return res, nil
}

func (s *Source) messages(ctx context.Context, page config.PancakePage, _ window) (*frame.Frame, error) {
	log := s.logger.WithContext(ctx)
	ids, err := s.Cache.ListRange(ctx, conversationsKey(page.PageID))
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		return nil, err
	}
	if len(ids) == 0 {
		log.Debugf("No input conversation for page %s. Skip", page.PageID)
		return nil, nil
	}

	var rows []map[string]any
	for _, id := range ids {
		msgs, err := s.conversationMessages(ctx, page, id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, msgs...)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	f := frame.FromRecords(rows).SelectAvailable(messageColumns...)
	f.Map("id", func(v any) any { return ShortID(fmt.Sprint(v)) }).
		Map("from", sender).
		FloorSeconds("inserted_at").
		Apply("attachments", func(row map[string]any) any { return row["from"] != nil }).
		Rename(map[string]string{"from": "sender"})
	return f, nil
}

// conversationMessages pages back through a conversation until messages are older
// than the lookback cutoff, and keeps the messages within it.
func (s *Source) conversationMessages(ctx context.Context, page config.PancakePage, conversationID string) ([]map[string]any, error) {
	var (
		out    []map[string]any
		cutoff time.Time
		count  int
	)
	for n := 1; ; n++ {
		s.logger.WithContext(ctx).Debugf("Get data %s from Pancake | page %d | conversation %s | current_count %d",
			TableMessages, n, conversationID, count)
		msgs, err := s.Client.Messages(ctx, access(page), conversationID, count)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}
		if n == 1 {
			first, _ := insertedAt(msgs[0])
			cutoff = truncateDay(first.Add(-MessageLookback))
		}
		for _, m := range msgs {
			if at, ok := insertedAt(m); ok && !at.Before(cutoff) {
				out = append(out, m)
			}
		}
		if last, ok := insertedAt(msgs[len(msgs)-1]); !ok || last.Before(cutoff) {
			break
		}
		count += len(msgs)
	}
	return out, nil
}

func insertedAt(m map[string]any) (time.Time, bool) {
	s, ok := m["inserted_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := frame.ParseTimestamp(s)
	return t, err == nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// sender keeps the admin identity when a page admin sent the message
func sender(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	adminID, isAdmin := m["admin_id"]
	out := map[string]any{"id": m["id"], "name": m["name"], "admin": isAdmin && adminID != nil && adminID != ""}
	if isAdmin {
		out["id"] = adminID
	}
	if name, ok := m["admin_name"]; ok {
		out["name"] = name
	}
	return out
}

// listField collects field of every map element of a list
func listField(v any, field string) any {
	items, _ := v.([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if value, ok := m[field]; ok {
			out = append(out, fmt.Sprint(value))
		}
	}
	return out
}

const shortIDModulus = 10_000_000_000_000_000

// ShortID hashes s with a 64-bit BLAKE2b digest and keeps the last 16 decimal digits.
func ShortID(s string) string {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(s))
	return strconv.FormatUint(binary.BigEndian.Uint64(h.Sum(nil))%shortIDModulus, 10)
}
