package storage

import (
	"context"
	"sync"

	"github.com/reqlens/reqlens/internal/model"
)

// MemoryStorage keeps profiles newest-first in a bounded slice. Save and
// eviction are a compound read-then-pop, so the whole operation runs under
// one mutex.
type MemoryStorage struct {
	mu       sync.Mutex
	profiles []*model.RequestProfile
	capacity int
}

func NewMemoryStorage(capacity int) *MemoryStorage {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStorage{capacity: capacity}
}

func (s *MemoryStorage) Save(_ context.Context, profile *model.RequestProfile) error {
	if profile == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.profiles {
		if p.ID == profile.ID {
			// An updated profile keeps its original position.
			s.profiles[i] = profile
			return nil
		}
	}

	s.profiles = append([]*model.RequestProfile{profile}, s.profiles...)
	if len(s.profiles) > s.capacity {
		s.profiles = s.profiles[:s.capacity]
	}
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, id string) (*model.RequestProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

// All returns the live collection newest-first.
func (s *MemoryStorage) All(_ context.Context) ([]*model.RequestProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.RequestProfile, len(s.profiles))
	copy(out, s.profiles)
	return out, nil
}
