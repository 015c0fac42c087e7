package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/amis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/myspa"
)

// CallbackStore persists AMIS callbacks
type CallbackStore interface {
	Store(ctx context.Context, req *amis.CallbackRequest) error
}

// ObjectProcessor loads an uploaded object
type ObjectProcessor interface {
	Handle(ctx context.Context, evt myspa.ObjectEvent) (*myspa.Result, error)
}

// FunctionHandler serves the endpoints external systems push to
type FunctionHandler struct {
	callbacks CallbackStore
	objects   ObjectProcessor
	logger    ectologger.Logger
}

func NewFunctionHandler(callbacks CallbackStore, objects ObjectProcessor, logger ectologger.Logger) *FunctionHandler {
	return &FunctionHandler{callbacks: callbacks, objects: objects, logger: logger}
}

// AmisCallback acknowledges an AMIS save callback by echoing its status
// POST /api/v1/amis/callback
func (h *FunctionHandler) AmisCallback(c echo.Context) error {
	ctx := c.Request().Context()
	log := h.logger.WithContext(ctx)

	var req amis.CallbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		resp := amis.CallbackFailure(err)
		log.WithError(err).Errorf("Exception error: %v", resp.ErrorMessage)
		return c.JSON(http.StatusInternalServerError, resp)
	}

	if h.callbacks != nil {
		if err := h.callbacks.Store(ctx, &req); err != nil {
			log.WithError(err).Warn("Failed to store amis callback")
		}
	}

	resp := req.Ack()
	log.Debugf("Callback response: success=%v error_code=%v", resp.Success, resp.ErrorCode)
	return c.JSON(http.StatusOK, resp)
}

// ObjectEvent loads an object-finalize notification
// POST /api/v1/objects/events
func (h *FunctionHandler) ObjectEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var evt myspa.ObjectEvent
	if err := Bind(c, &evt); err != nil {
		return err
	}

	res, err := h.objects.Handle(ctx, evt)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return NotFound("object " + evt.Bucket + "/" + evt.Name + " does not exist")
	}
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to process %s/%s", evt.Bucket, evt.Name)
		return err
	}
	return SuccessResponse(c, res)
}

func (h *FunctionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/amis/callback", h.AmisCallback)
	if h.objects != nil {
		g.POST("/objects/events", h.ObjectEvent)
	}
}
