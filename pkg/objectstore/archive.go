package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/klauspost/compress/gzip"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
)

// Archiver writes raw API pages as gzip JSON under
// raw/<source>/<collection>/<yyyy-mm-dd>/<run_id>/page-<n>.json.gz.
// A disabled archiver is a no-op.
type Archiver struct {
	store   Store
	bucket  string
	enabled bool
	now     func() time.Time
	logger  ectologger.Logger
}

func NewArchiver(store Store, bucket string, enabled bool, logger ectologger.Logger) *Archiver {
	return &Archiver{store: store, bucket: bucket, enabled: enabled && store != nil, now: time.Now, logger: logger}
}

func (a *Archiver) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Archiver) Key(ctx context.Context, source, collection string, page int) string {
	runID := appctx.GetRunID(ctx)
	if runID == "" {
		runID = "adhoc"
	}
	return fmt.Sprintf("raw/%s/%s/%s/%s/page-%05d.json.gz", source, collection, a.now().UTC().Format("2006-01-02"), runID, page)
}

// Archive stores payload; failures are logged, never returned, so archiving cannot fail a stage.
func (a *Archiver) Archive(ctx context.Context, source, collection string, page int, payload any) {
	if !a.Enabled() {
		return
	}
	key := a.Key(ctx, source, collection, page)
	data, err := Compress(payload)
	if err == nil {
		err = a.store.Put(ctx, a.bucket, key, data, PutOptions{
			ContentType:     "application/json",
			ContentEncoding: "gzip",
			Metadata:        map[string]string{"source": source, "collection": collection},
		})
	}
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).Warnf("Failed to archive %s page %d", collection, page)
	}
}

// Compress JSON-encodes payload and gzips it.
func Compress(payload any) ([]byte, error) {
	raw, ok := payload.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode archive payload: %w", err)
		}
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
