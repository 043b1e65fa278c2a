package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/pkg/httpmiddleware"
)

// createOrder places a PENDING order. The user comes from the body or, when
// absent there, from the X-User-Id header.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var cmd order.CreateCommand
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "user_id":
			var err error
			cmd.UserID, err = d.Str()
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var item order.ItemRequest
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "product_id":
						item.ProductID, err = d.Str()
					case "quantity":
						item.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				cmd.Items = append(cmd.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cmd.UserID == "" {
		cmd.UserID = r.Header.Get(httpmiddleware.UserIDHeader)
	}
	if cmd.UserID == "" {
		h.writeError(w, r, errors.Wrap(errValidation, "user_id is required"))
		return
	}

	o, err := h.orders.Create(r.Context(), cmd)
	if err != nil {
		// An unknown product is a problem with the request, not a missing resource.
		if errors.Is(err, product.ErrNotFound) {
			err = errors.Wrap(errValidation, err.Error())
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// orderAction serves a status transition given as an OrderService method expression.
func (h *Handler) orderAction(op func(s OrderService, ctx context.Context, id string) (*order.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := op(h.orders, r.Context(), r.PathValue("id"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
	}
}
