package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/retry"
)

// apiError is the body of every error response.
type apiError struct {
	Status  int
	Title   string
	Message string
	Details func(e *jx.Encoder)
}

func (a apiError) encode(e *jx.Encoder, now time.Time) {
	e.ObjStart()
	e.FieldStart("status")
	e.Int(a.Status)
	e.FieldStart("error")
	e.Str(a.Title)
	e.FieldStart("message")
	e.Str(a.Message)
	e.FieldStart("timestamp")
	encodeTime(e, now)
	if a.Details != nil {
		e.FieldStart("details")
		e.ObjStart()
		a.Details(e)
		e.ObjEnd()
	}
	e.ObjEnd()
}

// classify maps a service error to its response.
func classify(err error) apiError {
	var (
		stockErr      *product.InsufficientStockError
		transitionErr *order.InvalidTransitionError
	)
	switch {
	case errors.As(err, &stockErr):
		return apiError{
			Status:  http.StatusConflict,
			Title:   "Insufficient Stock",
			Message: stockErr.Error(),
			Details: func(e *jx.Encoder) {
				e.FieldStart("product_id")
				e.Str(stockErr.ProductID)
				e.FieldStart("available_stock")
				e.Int(stockErr.Available)
				e.FieldStart("requested_quantity")
				e.Int(stockErr.Requested)
			},
		}
	case errors.As(err, &transitionErr):
		return apiError{
			Status:  http.StatusConflict,
			Title:   "Invalid State Transition",
			Message: transitionErr.Error(),
			Details: func(e *jx.Encoder) {
				e.FieldStart("order_id")
				e.Str(transitionErr.OrderID)
				e.FieldStart("current_status")
				e.Str(string(transitionErr.From))
				e.FieldStart("target_status")
				e.Str(string(transitionErr.To))
			},
		}
	case errors.Is(err, retry.ErrConflict):
		return apiError{Status: http.StatusConflict, Title: "Concurrency Conflict", Message: err.Error()}
	case errors.Is(err, lock.ErrNotAcquired):
		return apiError{
			Status:  http.StatusLocked,
			Title:   "Lock Acquisition Failed",
			Message: "unable to acquire lock, please try again",
		}
	case errors.Is(err, product.ErrDuplicateSKU):
		return apiError{Status: http.StatusConflict, Title: "Conflict", Message: err.Error()}
	case errors.Is(err, product.ErrNotFound), errors.Is(err, order.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Title: "Not Found", Message: err.Error()}
	case errors.Is(err, product.ErrInvalidArgument),
		errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, order.ErrInvalidPrice),
		errors.Is(err, errValidation):
		return apiError{Status: http.StatusUnprocessableEntity, Title: "Validation Error", Message: err.Error()}
	case errors.Is(err, errBadRequest):
		return apiError{Status: http.StatusBadRequest, Title: "Bad Request", Message: err.Error()}
	}
	return apiError{
		Status:  http.StatusInternalServerError,
		Title:   "Internal Server Error",
		Message: "an unexpected error occurred",
	}
}

// errValidation marks request fields that fail validation before reaching a service.
var errValidation = errors.New("validation failed")

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	a := classify(err)
	lg := zctx.From(r.Context())
	if a.Status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Int("status", a.Status), zap.Error(err))
	}
	writeJSON(w, a.Status, func(e *jx.Encoder) { a.encode(e, h.now()) })
}
