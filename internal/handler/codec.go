package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
)

const maxBodySize = 1 << 20

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("malformed request body")

// decodeObject reads the request body as one JSON object and calls field for
// every key. Unknown keys must be skipped by field.
func decodeObject(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	if len(body) > maxBodySize {
		return errors.Wrap(errBadRequest, "body too large")
	}
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return errors.Wrap(errBadRequest, "expected JSON object")
	}
	if err := d.Obj(field); err != nil {
		if errors.Is(err, errBadRequest) {
			return err
		}
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	default:
		return decimal.Decimal{}, errors.Wrap(errBadRequest, "expected decimal")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(errBadRequest, "invalid decimal %q", raw)
	}
	return v, nil
}

func encodeDecimal(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.String()))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("sku")
	e.Str(p.SKU)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("description")
	e.Str(p.Description)
	e.FieldStart("price")
	encodeDecimal(e, p.Price)
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.FieldStart("version")
	e.Int64(p.Version)
	e.FieldStart("created_at")
	encodeTime(e, p.CreatedAt)
	e.FieldStart("updated_at")
	encodeTime(e, p.UpdatedAt)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("total")
	encodeDecimal(e, o.Total())
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("product_name")
		e.Str(it.ProductName)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unit_price")
		encodeDecimal(e, it.UnitPrice)
		e.FieldStart("subtotal")
		encodeDecimal(e, it.Subtotal())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("version")
	e.Int64(o.Version)
	e.FieldStart("created_at")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updated_at")
	encodeTime(e, o.UpdatedAt)
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
