// Package rediscache implements product.Cache on Redis.
package rediscache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/stockguard/internal/domain/product"
)

const keyPrefix = "product:"

var _ product.Cache = (*ProductCache)(nil)

// ProductCache stores product snapshots as JSON strings with a TTL.
type ProductCache struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *ProductCache {
	return &ProductCache{rdb: rdb}
}

func key(id string) string { return keyPrefix + id }

// Get returns nil, nil on a miss.
func (c *ProductCache) Get(ctx context.Context, id string) (*product.Product, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", id)
	}
	p, err := decodeProduct(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", id)
	}
	return &p, nil
}

func (c *ProductCache) Set(ctx context.Context, p product.Product, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key(p.ID), encodeProduct(p), ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", p.ID)
	}
	return nil
}

func (c *ProductCache) Delete(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		return errors.Wrapf(err, "delete %s", id)
	}
	return nil
}

func encodeProduct(p product.Product) []byte {
	var e jx.Encoder
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
	e.Str(p.Price.String())
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.FieldStart("version")
	e.Int64(p.Version)
	e.FieldStart("created_at")
	e.Str(p.CreatedAt.Format(time.RFC3339Nano))
	e.FieldStart("updated_at")
	e.Str(p.UpdatedAt.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func decodeProduct(raw []byte) (product.Product, error) {
	var p product.Product
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, k string) error {
		var err error
		switch k {
		case "id":
			p.ID, err = d.Str()
		case "sku":
			p.SKU, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "price":
			var s string
			if s, err = d.Str(); err == nil {
				p.Price, err = decimal.NewFromString(s)
			}
		case "stock":
			p.Stock, err = d.Int()
		case "version":
			p.Version, err = d.Int64()
		case "created_at":
			p.CreatedAt, err = decodeTime(d)
		case "updated_at":
			p.UpdatedAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return p, err
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
