package amis

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
)

// CallbackCollection receives every AMIS callback payload
const CallbackCollection = "amis_callbacks"

// CallbackRequest is what AMIS posts after an asynchronous save
type CallbackRequest struct {
	Success        *bool  `json:"success"`
	ErrorCode      any    `json:"error_code"`
	ErrorMessage   any    `json:"error_message"`
	Signature      string `json:"signature"`
	DataType       any    `json:"data_type"`
	Data           any    `json:"data"`
	OrgCompanyCode string `json:"org_company_code"`
	AppID          string `json:"app_id"`
}

// CallbackResponse is the acknowledgement AMIS expects
type CallbackResponse struct {
	Success      bool `json:"Success"`
	ErrorCode    any  `json:"ErrorCode"`
	ErrorMessage any  `json:"ErrorMessage"`
	Data         any  `json:"Data"`
}

// Ack echoes the callback status back to AMIS
func (r *CallbackRequest) Ack() CallbackResponse {
	success := true
	if r.Success != nil {
		success = *r.Success
	}
	msg := r.ErrorMessage
	if msg == nil {
		msg = ""
	}
	return CallbackResponse{Success: success, ErrorCode: r.ErrorCode, ErrorMessage: msg, Data: r.Data}
}

// CallbackFailure is returned when the payload cannot be read
func CallbackFailure(err error) CallbackResponse {
	return CallbackResponse{Success: false, ErrorCode: "Exception", ErrorMessage: err.Error()}
}

// Callbacks stores received callbacks in the caching database
type Callbacks struct {
	docs      docstore.Store
	cachingDB string
	now       func() time.Time
	logger    ectologger.Logger
}

func NewCallbacks(docs docstore.Store, cachingDB string, logger ectologger.Logger) *Callbacks {
	return &Callbacks{docs: docs, cachingDB: cachingDB, now: time.Now, logger: logger}
}

func (c *Callbacks) Store(ctx context.Context, req *CallbackRequest) error {
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"data_type":        req.DataType,
		"org_company_code": req.OrgCompanyCode,
		"app_id":           req.AppID,
	}).Debug("Received amis callback")

	return c.docs.InsertMany(ctx, c.cachingDB, CallbackCollection, []map[string]any{{
		"success":          req.Success,
		"error_code":       req.ErrorCode,
		"error_message":    req.ErrorMessage,
		"signature":        req.Signature,
		"data_type":        req.DataType,
		"data":             req.Data,
		"org_company_code": req.OrgCompanyCode,
		"app_id":           req.AppID,
		"received_at":      c.now().UTC(),
	}})
}
