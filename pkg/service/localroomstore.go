package service

import (
	"context"
	"sync"
)

// encapsulates CRUD operations for room metadata
type LocalRoomStore struct {
	// map of roomID => metadata
	rooms map[string]*RoomMetadata
	lock  sync.RWMutex
}

func NewLocalRoomStore() *LocalRoomStore {
	return &LocalRoomStore{
		rooms: make(map[string]*RoomMetadata),
	}
}

func (p *LocalRoomStore) StoreRoom(_ context.Context, room *RoomMetadata) error {
	stored := *room
	p.lock.Lock()
	p.rooms[room.ID] = &stored
	p.lock.Unlock()
	return nil
}

func (p *LocalRoomStore) LoadRoom(_ context.Context, roomID string) (*RoomMetadata, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	room := p.rooms[roomID]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	loaded := *room
	return &loaded, nil
}

func (p *LocalRoomStore) DeleteRoom(_ context.Context, roomID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.rooms, roomID)
	return nil
}
