package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/stockguard/internal/domain/product"
)

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var (
		cmd      product.CreateCommand
		hasPrice bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "sku":
			cmd.SKU, err = d.Str()
		case "name":
			cmd.Name, err = d.Str()
		case "description":
			cmd.Description, err = d.Str()
		case "price":
			cmd.Price, err = decodeDecimal(d)
			hasPrice = true
		case "initial_stock", "stock":
			cmd.Stock, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !hasPrice {
		h.writeError(w, r, errors.Wrap(errValidation, "price is required"))
		return
	}

	p, err := h.products.Create(r.Context(), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeProduct(e, p) })
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

func (h *Handler) updatePrice(w http.ResponseWriter, r *http.Request) {
	var (
		price decimal.Decimal
		seen  bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "price" {
			return d.Skip()
		}
		var err error
		price, err = decodeDecimal(d)
		seen = true
		return err
	})
	if err == nil && !seen {
		err = errors.Wrap(errValidation, "price is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondProduct(w, r, func(ctx context.Context, id string) (*product.Product, error) {
		return h.products.UpdatePrice(ctx, id, price)
	})
}

func (h *Handler) reserveStock(w http.ResponseWriter, r *http.Request) {
	qty, err := decodeInt(r, "quantity")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondProduct(w, r, func(ctx context.Context, id string) (*product.Product, error) {
		return h.products.Reserve(ctx, id, qty)
	})
}

func (h *Handler) restoreStock(w http.ResponseWriter, r *http.Request) {
	qty, err := decodeInt(r, "quantity")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondProduct(w, r, func(ctx context.Context, id string) (*product.Product, error) {
		return h.products.Restore(ctx, id, qty)
	})
}

func (h *Handler) setStock(w http.ResponseWriter, r *http.Request) {
	stock, err := decodeInt(r, "stock")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondProduct(w, r, func(ctx context.Context, id string) (*product.Product, error) {
		return h.products.SetStock(ctx, id, stock)
	})
}

func (h *Handler) respondProduct(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) (*product.Product, error),
) {
	p, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

// decodeInt reads a body holding a single required integer field.
func decodeInt(r *http.Request, field string) (int, error) {
	var (
		v    int
		seen bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != field {
			return d.Skip()
		}
		var err error
		v, err = d.Int()
		seen = true
		return err
	})
	if err != nil {
		return 0, err
	}
	if !seen {
		return 0, errors.Wrapf(errValidation, "%s is required", field)
	}
	return v, nil
}
