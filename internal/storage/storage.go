// Package storage holds the bounded profile history. The default backend is
// in-memory; Redis can be substituted for history that survives restarts.
package storage

import (
	"context"

	"github.com/reqlens/reqlens/internal/model"
)

// Storage is the capability set every profile backend must provide.
//
// Save upserts by profile id: repeated incremental saves during a request
// replace the stored copy in place without changing its position; a new id
// inserts as the newest entry and may evict the oldest beyond capacity.
type Storage interface {
	Save(ctx context.Context, profile *model.RequestProfile) error
	Get(ctx context.Context, id string) (*model.RequestProfile, error)
	All(ctx context.Context) ([]*model.RequestProfile, error)
}

// DefaultCapacity bounds the in-memory history when no capacity is configured.
const DefaultCapacity = 100
