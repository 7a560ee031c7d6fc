package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
)

// Carts returns a cart.Repository sharing this database file.
func (s *Store) Carts() *CartRepository {
	return &CartRepository{db: s.db}
}

type CartRepository struct {
	db *bolt.DB
}

func (r *CartRepository) Get(ctx context.Context, id string) (*cart.Cart, error) {
	var c cart.Cart
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCarts).Get([]byte(id))
		if v == nil {
			return cart.ErrNotFound
		}
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	for i := range c.Lines {
		c.Lines[i].CartID = c.ID
	}
	return &c, nil
}

func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCarts), []byte(c.ID), c)
	})
	if err != nil {
		return fmt.Errorf("save cart %s: %w", c.ID, err)
	}
	return nil
}
