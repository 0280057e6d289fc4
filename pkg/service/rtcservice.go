package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/routing"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

var errLeft = errors.New("participant left")

// RTCService terminates signalling websockets. Each connection joins exactly
// one room and from then on only relays through it.
type RTCService struct {
	roomManager *RoomManager
	upgrader    websocket.Upgrader
	config      config.SignalConfig
}

func NewRTCService(conf *config.Config, roomManager *RoomManager) *RTCService {
	s := &RTCService{
		roomManager: roomManager,
		config:      conf.Signal,
	}

	// allow connections from any origin, since the app may be hosted anywhere
	// security is enforced by access tokens
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *RTCService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := GetGrants(r.Context())
	// require a claim
	if claims == nil || claims.Call == nil || claims.Identity == "" {
		handleError(w, r, http.StatusUnauthorized, ErrPermissionDenied)
		return
	}

	// upgrade only once the basics are good to go
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", err)
		return
	}
	sigConn := signalling.NewWSSignalConnection(conn, s.config.PingInterval)
	defer func() {
		_ = sigConn.Close()
	}()

	connID := utils.NewGuid(utils.ConnectionPrefix)
	l := logger.GetLogger().WithValues("participant", claims.Identity, "connectionID", connID)

	if s.config.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	joinMsg, err := sigConn.ReadMessage()
	if err != nil {
		if !signalling.IsWebSocketCloseError(err) {
			l.Warnw("could not read join", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sess, err := s.join(r.Context(), joinMsg, connID, l)
	if err != nil {
		prometheus.RecordMessage(string(joinMsg.Type), "rejected")
		l.Infow("join rejected", "reason", err.Error(), "room", joinMsg.RoomID)
		_ = sigConn.WriteMessage(errorMessage(joinMsg.RoomID, err))
		return
	}
	prometheus.RecordMessage(string(joinMsg.Type), "ok")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// the sink closes when the room drops this connection, or on replace
		defer func() {
			_ = sigConn.Close()
		}()
		for msg := range sess.sink.ReadChan() {
			if err := sigConn.WriteMessage(msg); err != nil {
				if !signalling.IsWebSocketCloseError(err) {
					sess.logger.Warnw("error writing to websocket", err)
				}
				return
			}
		}
		sess.logger.Debugw("sink closed")
	}()

	defer func() {
		s.roomManager.Disconnect(sess.roomID, sess.participantID, connID)
		sess.sink.Close()
		wg.Wait()
		sess.logger.Infow("WS connection closed")
	}()

	dispatcher := sess.dispatcher(s.roomManager)
	for {
		msg, err := sigConn.ReadMessage()
		if err != nil {
			var malformed *signalling.MalformedError
			if errors.As(err, &malformed) {
				sess.sendError(signalling.ErrorCodeBadRequest, err.Error())
				continue
			}
			if !signalling.IsWebSocketCloseError(err) {
				sess.logger.Warnw("error reading from websocket", err)
			}
			return
		}

		err = sess.handle(dispatcher, msg)
		if err == errLeft {
			return
		}
		if err != nil {
			prometheus.RecordMessage(string(msg.Type), "error")
			sess.logger.Debugw("could not handle message", "type", msg.Type, "error", err)
			_ = sess.sink.WriteMessage(errorMessage(sess.roomID, err))
			continue
		}
		prometheus.RecordMessage(string(msg.Type), "ok")
	}
}

func (s *RTCService) join(ctx context.Context, msg *signalling.Message, connID string, l logger.Logger) (*signalSession, error) {
	if msg.Type != signalling.MessageTypeJoinRoom {
		return nil, ErrJoinRequired
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateRoomID(msg.RoomID); err != nil {
		return nil, err
	}
	claims, err := EnsureJoinPermission(ctx, msg.RoomID)
	if err != nil {
		return nil, err
	}

	join := signalling.JoinRoomPayload{}
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&join); err != nil {
			return nil, err
		}
	}

	// the token is authoritative for who and what the participant is
	role := signalling.Role(claims.Call.Role)
	if !role.IsValid() {
		role = join.Role
	}
	if !role.IsValid() {
		role = signalling.RoleGuest
	}
	name := claims.Name
	if name == "" {
		name = join.Name
	}

	sink := routing.NewMessageChannel(s.config.SendBufferSize)
	p := rooms.NewParticipant(rooms.ParticipantParams{
		ID:           claims.Identity,
		Name:         name,
		Role:         role,
		ConnectionID: connID,
		Muted:        join.Muted,
		VideoOff:     join.VideoOff,
		Sink:         sink,
	})

	_, kind, err := s.roomManager.Join(ctx, msg.RoomID, p, join.Reconnect)
	if err != nil {
		sink.Close()
		return nil, err
	}

	sl := l.WithValues("room", msg.RoomID)
	sl.Infow("new client WS connected", "role", role, "kind", kind)
	return &signalSession{
		roomID:        msg.RoomID,
		participantID: claims.Identity,
		connectionID:  connID,
		sink:          sink,
		logger:        sl,
	}, nil
}

type signalSession struct {
	roomID        string
	participantID string
	connectionID  string
	sink          *routing.MessageChannel
	logger        logger.Logger
}

func (s *signalSession) dispatcher(rm *RoomManager) *signalling.Dispatcher {
	relay := func(msg *signalling.Message) error {
		return rm.Relay(msg)
	}
	return signalling.NewDispatcher().
		On(signalling.MessageTypePeerOffer, relay).
		On(signalling.MessageTypePeerAnswer, relay).
		On(signalling.MessageTypeICECandidate, relay).
		On(signalling.MessageTypeParticipantUpdate, signalling.Typed(
			func(msg *signalling.Message, update *signalling.ParticipantUpdatePayload) error {
				return rm.UpdateParticipant(s.roomID, s.participantID, *update)
			})).
		On(signalling.MessageTypeLeaveRoom, func(msg *signalling.Message) error {
			rm.Leave(s.roomID, s.participantID, s.connectionID)
			return errLeft
		}).
		On(signalling.MessageTypeJoinRoom, func(msg *signalling.Message) error {
			return ErrAlreadyJoined
		})
}

func (s *signalSession) handle(d *signalling.Dispatcher, msg *signalling.Message) error {
	if msg.RoomID == "" {
		msg.RoomID = s.roomID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.RoomID != s.roomID {
		return ErrRoomMismatch
	}
	// senders cannot speak for anyone else
	msg.SenderID = s.participantID
	msg.Seq = 0
	return d.Dispatch(msg)
}

func (s *signalSession) sendError(code signalling.ErrorCode, message string) {
	_ = s.sink.WriteMessage(signalling.MustMessage(signalling.MessageTypeError, s.roomID, "", &signalling.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

func errorMessage(roomID string, err error) *signalling.Message {
	return signalling.MustMessage(signalling.MessageTypeError, roomID, "", &signalling.ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

func errorCode(err error) signalling.ErrorCode {
	var malformed *signalling.MalformedError
	switch {
	case errors.Is(err, rooms.ErrMaxParticipantsExceeded):
		return signalling.ErrorCodeRoomFull
	case errors.Is(err, rooms.ErrParticipantNotFound), errors.Is(err, ErrRoomNotFound):
		return signalling.ErrorCodeNotJoined
	case errors.Is(err, rooms.ErrUnknownTarget):
		return signalling.ErrorCodeUnknownTarget
	case errors.Is(err, ErrPermissionDenied):
		return signalling.ErrorCodeUnauthorized
	case errors.Is(err, ErrServerStopped):
		return signalling.ErrorCodeInternal
	case errors.As(err, &malformed),
		errors.Is(err, ErrJoinRequired),
		errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrRoomMismatch),
		errors.Is(err, ErrInvalidRoomID),
		errors.Is(err, signalling.ErrInvalidMessageType),
		errors.Is(err, signalling.ErrMissingRoom),
		errors.Is(err, signalling.ErrMissingTarget),
		errors.Is(err, signalling.ErrEmptyPayload),
		errors.Is(err, signalling.ErrNoHandler):
		return signalling.ErrorCodeBadRequest
	default:
		return signalling.ErrorCodeInternal
	}
}
