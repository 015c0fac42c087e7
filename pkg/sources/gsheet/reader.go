// Package gsheet loads TTC lead and survey spreadsheets into the warehouse.
package gsheet

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Reader returns the cell values of an A1 range.
// Unformatted values keep numbers and serial dates as numbers.
type Reader interface {
	Values(ctx context.Context, spreadsheetID, rangeA1 string, unformatted bool) ([][]any, error)
}

// SheetsReader reads ranges through the Google Sheets API
type SheetsReader struct {
	svc *sheets.Service
}

// NewSheetsReader authenticates with a service account file, or with
// application default credentials when the path is empty.
func NewSheetsReader(ctx context.Context, credentialsFile string) (*SheetsReader, error) {
	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsReadonlyScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsReader{svc: svc}, nil
}

func (r *SheetsReader) Values(ctx context.Context, spreadsheetID, rangeA1 string, unformatted bool) ([][]any, error) {
	call := r.svc.Spreadsheets.Values.Get(spreadsheetID, rangeA1).Context(ctx)
	if unformatted {
		call = call.ValueRenderOption("UNFORMATTED_VALUE")
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s of %s: %w", rangeA1, spreadsheetID, err)
	}
	return resp.Values, nil
}
