package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/telemetry"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
)

// RoomManager owns the live rooms on this node. A room exists from the first
// join until the last participant leaves.
type RoomManager struct {
	lock sync.RWMutex

	config    *config.Config
	roomStore RoomStore
	telemetry telemetry.TelemetryService

	rooms   map[string]*rooms.Room
	stopped bool
}

func NewLocalRoomManager(conf *config.Config, roomStore RoomStore, ts telemetry.TelemetryService) *RoomManager {
	if ts == nil {
		ts = telemetry.NewTelemetryService(nil)
	}
	return &RoomManager{
		config:    conf,
		roomStore: roomStore,
		telemetry: ts,
		rooms:     make(map[string]*rooms.Room),
	}
}

func (r *RoomManager) GetRoom(roomID string) *rooms.Room {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.rooms[roomID]
}

// ListRooms returns active rooms, oldest first.
func (r *RoomManager) ListRooms() []rooms.RoomInfo {
	r.lock.RLock()
	list := make([]*rooms.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		list = append(list, room)
	}
	r.lock.RUnlock()

	infos := make([]rooms.RoomInfo, 0, len(list))
	for _, room := range list {
		infos = append(infos, rooms.ToRoomInfo(room))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CreateRoom returns the live room for roomID, creating it from stored
// metadata or configured defaults.
func (r *RoomManager) CreateRoom(ctx context.Context, roomID string) (*rooms.Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	r.lock.RLock()
	stopped := r.stopped
	room := r.rooms[roomID]
	r.lock.RUnlock()
	if stopped {
		return nil, ErrServerStopped
	}
	if room != nil && !room.IsClosed() {
		return room, nil
	}

	name := ""
	capacity := int(r.config.Room.MaxParticipants)
	if r.roomStore != nil {
		meta, err := r.roomStore.LoadRoom(ctx, roomID)
		switch {
		case err == nil:
			name = meta.DisplayName
			if meta.MaxParticipants > 0 {
				capacity = meta.MaxParticipants
			}
		case errors.Is(err, ErrRoomNotFound):
		default:
			// metadata is advisory, the call proceeds with defaults
			logger.Warnw("could not load room metadata", err, "room", roomID)
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return nil, ErrServerStopped
	}
	if room = r.rooms[roomID]; room != nil && !room.IsClosed() {
		return room, nil
	}

	room = rooms.NewRoom(roomID, name, capacity, logger.GetLogger())
	r.rooms[roomID] = room
	prometheus.RoomStarted()
	r.telemetry.RoomStarted(ctx, rooms.ToRoomInfo(room))
	logger.Infow("room created", "room", roomID, "maxParticipants", capacity)
	return room, nil
}

// Join registers p in roomID, creating the room if needed.
func (r *RoomManager) Join(ctx context.Context, roomID string, p *rooms.Participant, reconnect bool) (*rooms.Room, rooms.JoinKind, error) {
	for {
		room, err := r.CreateRoom(ctx, roomID)
		if err != nil {
			return nil, "", err
		}

		kind, err := room.Join(p, reconnect)
		if errors.Is(err, rooms.ErrRoomClosed) {
			// lost a race with the last leave, start over with a fresh room
			r.disposeRoom(room)
			continue
		}
		if err != nil {
			return nil, "", err
		}

		if kind == rooms.JoinKindReplace {
			prometheus.SubParticipant()
		}
		prometheus.AddParticipant(string(kind))
		if kind == rooms.JoinKindNew {
			if info, ok := room.GetParticipant(p.ID); ok {
				r.telemetry.ParticipantJoined(ctx, rooms.ToRoomInfo(room), info)
			}
		}
		return room, kind, nil
	}
}

// Leave removes the participant if connectionID is still its current
// connection, and disposes the room once empty.
func (r *RoomManager) Leave(roomID string, participantID string, connectionID string) bool {
	room := r.GetRoom(roomID)
	if room == nil {
		return false
	}

	info, _ := room.GetParticipant(participantID)
	removed, closed := room.Leave(participantID, connectionID)
	if removed {
		prometheus.SubParticipant()
		r.telemetry.ParticipantLeft(context.Background(), rooms.ToRoomInfo(room), info)
	}
	if closed {
		r.disposeRoom(room)
	}
	return removed
}

// Disconnect handles a connection that dropped without a leave. The
// participant keeps its place for the grace period so that a reconnecting
// client resumes without its peers tearing anything down.
func (r *RoomManager) Disconnect(roomID string, participantID string, connectionID string) {
	grace := r.config.Signal.DisconnectGracePeriod
	if grace <= 0 {
		r.Leave(roomID, participantID, connectionID)
		return
	}
	room := r.GetRoom(roomID)
	if room == nil || !room.Disconnect(participantID, connectionID) {
		return
	}
	time.AfterFunc(grace, func() {
		if r.Leave(roomID, participantID, connectionID) {
			logger.Infow("participant did not reconnect", "room", roomID, "participant", participantID)
		}
	})
}

func (r *RoomManager) Relay(msg *signalling.Message) error {
	room := r.GetRoom(msg.RoomID)
	if room == nil {
		return ErrRoomNotFound
	}
	return room.Relay(msg)
}

func (r *RoomManager) UpdateParticipant(roomID string, participantID string, update signalling.ParticipantUpdatePayload) error {
	room := r.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	return room.UpdateParticipant(participantID, update)
}

// Stop closes every room. Further joins fail with ErrServerStopped.
func (r *RoomManager) Stop() {
	r.lock.Lock()
	r.stopped = true
	live := make([]*rooms.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		live = append(live, room)
	}
	r.lock.Unlock()

	for _, room := range live {
		n := room.NumParticipants()
		room.Close()
		for i := 0; i < n; i++ {
			prometheus.SubParticipant()
		}
		r.disposeRoom(room)
	}
	r.telemetry.Stop()
}

func (r *RoomManager) disposeRoom(room *rooms.Room) {
	r.lock.Lock()
	if r.rooms[room.ID] != room {
		r.lock.Unlock()
		return
	}
	delete(r.rooms, room.ID)
	r.lock.Unlock()

	prometheus.RoomEnded(room.CreatedAt)
	r.telemetry.RoomEnded(context.Background(), rooms.ToRoomInfo(room))
	logger.Infow("room closed", "room", room.ID)
}
