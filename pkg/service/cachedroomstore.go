package service

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedRoomStore fronts a RoomStore with an expiring LRU. Misses are cached
// too, so rooms unknown to the backend do not hit it on every join.
type CachedRoomStore struct {
	store RoomStore
	cache *expirable.LRU[string, *RoomMetadata]
}

func NewCachedRoomStore(store RoomStore, size int, ttl time.Duration) *CachedRoomStore {
	return &CachedRoomStore{
		store: store,
		cache: expirable.NewLRU[string, *RoomMetadata](size, nil, ttl),
	}
}

func (c *CachedRoomStore) LoadRoom(ctx context.Context, roomID string) (*RoomMetadata, error) {
	if room, ok := c.cache.Get(roomID); ok {
		if room == nil {
			return nil, ErrRoomNotFound
		}
		loaded := *room
		return &loaded, nil
	}

	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			c.cache.Add(roomID, nil)
		}
		return nil, err
	}
	c.cache.Add(roomID, room)
	loaded := *room
	return &loaded, nil
}

func (c *CachedRoomStore) StoreRoom(ctx context.Context, room *RoomMetadata) error {
	c.cache.Remove(room.ID)
	return c.store.StoreRoom(ctx, room)
}

func (c *CachedRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	c.cache.Remove(roomID)
	return c.store.DeleteRoom(ctx, roomID)
}
