package krot

import (
	"context"
	"errors"
	"fmt"
)

// KeyStorage defines the interface for the verification collection. Keys are
// kept in membership order, which is the order they are published in the key
// set.
//
// Implementations need not be safe for concurrent use: the Rotator only calls
// them while holding its controller lock.
type KeyStorage interface {
	// Get retrieves a key with the specified ID from the storage. If the key is not
	// found, it returns an error.
	//
	//     key, err := storage.Get(ctx, "keyID")
	//     if err != nil {
	//         log.Fatal(err)
	//     }
	Get(context context.Context, id string) (*Key, error)

	// Add appends one or more keys to the storage. Adding a key whose ID is
	// already stored replaces it in place. A key without an ID or private key
	// is rejected with ErrInvalidArgument and nothing is stored.
	//
	//     err := storage.Add(ctx, key1, key2)
	//     if err != nil {
	//         log.Fatal(err)
	//     }
	Add(context context.Context, keys ...*Key) error

	// Delete removes the keys with the specified IDs. Unknown IDs are ignored.
	//
	//     err := storage.Delete(ctx, "keyID")
	//     if err != nil {
	//         log.Fatal(err)
	//     }
	Delete(context context.Context, ids ...string) error

	// List returns a copy of the stored keys in membership order.
	List(context context.Context) ([]*Key, error)

	// Erase removes all keys from the storage.
	Erase(context context.Context) error
}

type inMemoryStorage struct {
	keys  []*Key
	index map[string]int
}

// NewKeyStorage returns an in-memory KeyStorage.
func NewKeyStorage() KeyStorage {
	return &inMemoryStorage{
		index: make(map[string]int),
	}
}

func (s *inMemoryStorage) Get(_ context.Context, id string) (*Key, error) {
	position, ok := s.index[id]
	if !ok {
		return nil, errors.Join(ErrKeyNotFound, fmt.Errorf("key %s not found", id))
	}

	return s.keys[position], nil
}

func (s *inMemoryStorage) Add(_ context.Context, keys ...*Key) error {
	for _, key := range keys {
		if key == nil || key.ID == "" || key.PrivateKey == nil {
			return fmt.Errorf("%w: a stored key needs an ID and a private key", ErrInvalidArgument)
		}
	}

	for _, key := range keys {
		if position, ok := s.index[key.ID]; ok {
			s.keys[position] = key
			continue
		}

		s.index[key.ID] = len(s.keys)
		s.keys = append(s.keys, key)
	}

	return nil
}

func (s *inMemoryStorage) Delete(_ context.Context, ids ...string) error {
	removed := false
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			delete(s.index, id)
			removed = true
		}
	}

	if !removed {
		return nil
	}

	kept := s.keys[:0]
	for _, key := range s.keys {
		if _, ok := s.index[key.ID]; ok {
			s.index[key.ID] = len(kept)
			kept = append(kept, key)
		}
	}

	clear(s.keys[len(kept):])
	s.keys = kept

	return nil
}

func (s *inMemoryStorage) List(_ context.Context) ([]*Key, error) {
	keys := make([]*Key, len(s.keys))
	copy(keys, s.keys)

	return keys, nil
}

func (s *inMemoryStorage) Erase(_ context.Context) error {
	s.keys = nil
	s.index = make(map[string]int)
	return nil
}
