package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
)

// RoomService is the JSON admin surface over the room registry and the
// metadata store.
type RoomService struct {
	roomManager *RoomManager
	roomStore   RoomStore
}

type RoomDetails struct {
	rooms.RoomInfo
	Participants []signalling.ParticipantInfo `json:"participants"`
}

func NewRoomService(roomManager *RoomManager, roomStore RoomStore) *RoomService {
	return &RoomService{
		roomManager: roomManager,
		roomStore:   roomStore,
	}
}

func (s *RoomService) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms", s.listRooms)
	mux.HandleFunc("GET /rooms/{room}", s.getRoom)
	mux.HandleFunc("PUT /rooms/{room}", s.storeRoom)
	mux.HandleFunc("DELETE /rooms/{room}", s.deleteRoom)
}

func (s *RoomService) listRooms(w http.ResponseWriter, r *http.Request) {
	if err := EnsureListPermission(r.Context()); err != nil {
		prometheus.RecordServiceOperation("list_rooms", "error", "permission")
		handleError(w, r, http.StatusUnauthorized, err)
		return
	}
	prometheus.RecordServiceOperation("list_rooms", "success", "")
	writeJSON(w, s.roomManager.ListRooms())
}

func (s *RoomService) getRoom(w http.ResponseWriter, r *http.Request) {
	if err := EnsureListPermission(r.Context()); err != nil {
		prometheus.RecordServiceOperation("get_room", "error", "permission")
		handleError(w, r, http.StatusUnauthorized, err)
		return
	}
	room := s.roomManager.GetRoom(r.PathValue("room"))
	if room == nil {
		prometheus.RecordServiceOperation("get_room", "error", "not_found")
		handleError(w, r, http.StatusNotFound, ErrRoomNotFound)
		return
	}
	prometheus.RecordServiceOperation("get_room", "success", "")
	writeJSON(w, &RoomDetails{
		RoomInfo:     rooms.ToRoomInfo(room),
		Participants: room.Roster(),
	})
}

func (s *RoomService) storeRoom(w http.ResponseWriter, r *http.Request) {
	if err := EnsureAdminPermission(r.Context()); err != nil {
		prometheus.RecordServiceOperation("store_room", "error", "permission")
		handleError(w, r, http.StatusUnauthorized, err)
		return
	}
	roomID := r.PathValue("room")
	if err := ValidateRoomID(roomID); err != nil {
		prometheus.RecordServiceOperation("store_room", "error", "bad_request")
		handleError(w, r, http.StatusBadRequest, err)
		return
	}

	meta := &RoomMetadata{}
	if err := json.NewDecoder(r.Body).Decode(meta); err != nil {
		prometheus.RecordServiceOperation("store_room", "error", "bad_request")
		handleError(w, r, http.StatusBadRequest, err)
		return
	}
	meta.ID = roomID
	if meta.MaxParticipants < 0 {
		prometheus.RecordServiceOperation("store_room", "error", "bad_request")
		handleError(w, r, http.StatusBadRequest, errors.New("maxParticipants cannot be negative"))
		return
	}

	if err := s.roomStore.StoreRoom(r.Context(), meta); err != nil {
		prometheus.RecordServiceOperation("store_room", "error", "store")
		handleError(w, r, http.StatusInternalServerError, err)
		return
	}
	prometheus.RecordServiceOperation("store_room", "success", "")
	writeJSON(w, meta)
}

func (s *RoomService) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := EnsureAdminPermission(r.Context()); err != nil {
		prometheus.RecordServiceOperation("delete_room", "error", "permission")
		handleError(w, r, http.StatusUnauthorized, err)
		return
	}
	if err := s.roomStore.DeleteRoom(r.Context(), r.PathValue("room")); err != nil {
		prometheus.RecordServiceOperation("delete_room", "error", "store")
		handleError(w, r, http.StatusInternalServerError, err)
		return
	}
	prometheus.RecordServiceOperation("delete_room", "success", "")
	w.WriteHeader(http.StatusNoContent)
}
