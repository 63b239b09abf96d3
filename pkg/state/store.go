// Package state persists everything the connector must not lose across
// restarts: the change cursor, the identity map between foreign GUIDs
// and local DNs, and the reject queue. Each connector instance owns its
// store exclusively; the etcd backend additionally enforces that with a
// writer lock.
package state

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("state: not found")

// Reject is one change that could not be applied yet, keyed by its
// update sequence number.
type Reject struct {
	USN uint64
	DN  string
}

type Mapping struct {
	PropertyType string
	ForeignID    []byte
	LocalDN      string
}

type Store interface {
	LastUSN(ctx context.Context) (uint64, error)
	SetLastUSN(ctx context.Context, usn uint64) error

	Resolve(ctx context.Context, propertyType string, foreignID []byte) (string, error)
	ResolveReverse(ctx context.Context, localDN string) (*Mapping, error)
	Record(ctx context.Context, propertyType string, foreignID []byte, localDN string) error
	Forget(ctx context.Context, foreignID []byte) error

	PutReject(ctx context.Context, usn uint64, dn string) error
	ListRejects(ctx context.Context) ([]Reject, error)
	RemoveReject(ctx context.Context, usn uint64) error

	Close() error
}

// EncodeID renders a binary foreign identifier as the stable text key
// used by every backend.
func EncodeID(id []byte) string {
	return base64.StdEncoding.EncodeToString(id)
}

func DecodeID(key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(key)
}

// Open builds the configured backend. The etcd backend acquires the
// writer lock before returning, so a second concurrent instance fails
// here instead of corrupting shared state.
func Open(ctx context.Context, connector string, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "sql":
		return NewSQLStore(connector, cfg.Driver, cfg.DSN, logger)
	case "etcd":
		return NewEtcdStore(ctx, connector, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
