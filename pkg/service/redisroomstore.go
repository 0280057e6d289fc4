package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/parlo-health/parlo-call/pkg/config"
)

const (
	// RoomsKey is hash of room_id => RoomMetadata json
	RoomsKey = "parlo:rooms"
)

type RedisRoomStore struct {
	rc *redis.Client
}

func NewRedisRoomStore(rc *redis.Client) *RedisRoomStore {
	return &RedisRoomStore{
		rc: rc,
	}
}

func NewRedisClient(conf *config.RedisConfig) (*redis.Client, error) {
	if !conf.IsConfigured() {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(context.Background()).Err(); err != nil {
		_ = rc.Close()
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return rc, nil
}

func (s *RedisRoomStore) StoreRoom(ctx context.Context, room *RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	if err = s.rc.HSet(ctx, RoomsKey, room.ID, data).Err(); err != nil {
		return errors.Wrap(err, "could not store room")
	}
	return nil
}

func (s *RedisRoomStore) LoadRoom(ctx context.Context, roomID string) (*RoomMetadata, error) {
	data, err := s.rc.HGet(ctx, RoomsKey, roomID).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrRoomNotFound
		}
		return nil, err
	}

	room := RoomMetadata{}
	if err = json.Unmarshal([]byte(data), &room); err != nil {
		return nil, errors.Wrap(err, "could not decode room")
	}
	return &room, nil
}

func (s *RedisRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.rc.HDel(ctx, RoomsKey, roomID).Err(); err != nil {
		return errors.Wrap(err, "could not delete room")
	}
	return nil
}
