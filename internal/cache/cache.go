// Package cache provides the terminal's local entity cache. A Client is a
// flat key/value store with several backends; EntityCache layers collection
// semantics and last-write-wins reconciliation on top.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Client is the raw key/value surface. Get returns ErrNotFound for a missing
// key. A ttl <= 0 means no expiry.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
