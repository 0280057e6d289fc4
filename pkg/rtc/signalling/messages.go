package signalling

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeJoinRoom          MessageType = "join-room"
	MessageTypeLeaveRoom         MessageType = "leave-room"
	MessageTypeParticipantList   MessageType = "participant-list"
	MessageTypePeerOffer         MessageType = "peer-offer"
	MessageTypePeerAnswer        MessageType = "peer-answer"
	MessageTypeICECandidate      MessageType = "ice-candidate"
	MessageTypeParticipantUpdate MessageType = "participant-update"
	MessageTypeError             MessageType = "error"
)

func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeJoinRoom, MessageTypeLeaveRoom, MessageTypeParticipantList,
		MessageTypePeerOffer, MessageTypePeerAnswer, MessageTypeICECandidate,
		MessageTypeParticipantUpdate, MessageTypeError:
		return true
	}
	return false
}

// IsPeerMessage reports whether the message is negotiation traffic between
// two participants and therefore requires a target.
func (t MessageType) IsPeerMessage() bool {
	return t == MessageTypePeerOffer || t == MessageTypePeerAnswer || t == MessageTypeICECandidate
}

// Message is the envelope for every frame on the signalling websocket.
// Seq is assigned by the relay and increases monotonically per room.
type Message struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId"`
	SenderID  string          `json:"senderId"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Seq       uint64          `json:"seq,omitempty"`
}

func NewMessage(msgType MessageType, roomID, senderID string, payload interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		RoomID:    roomID,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustMessage is NewMessage for payload types that always marshal.
func MustMessage(msgType MessageType, roomID, senderID string, payload interface{}) *Message {
	msg, err := NewMessage(msgType, roomID, senderID, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &MalformedError{Type: m.Type, Err: err}
	}
	return nil
}

func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return ErrInvalidMessageType
	}
	if m.RoomID == "" {
		return ErrMissingRoom
	}
	if m.Type.IsPeerMessage() && m.TargetID == "" {
		return ErrMissingTarget
	}
	return nil
}

// Copy returns a shallow copy; the payload bytes are shared and must not be mutated.
func (m *Message) Copy() *Message {
	c := *m
	return &c
}

type Role string

const (
	RoleTherapist Role = "therapist"
	RoleChild     Role = "child"
	RoleGuest     Role = "guest"
)

func (r Role) IsValid() bool {
	return r == RoleTherapist || r == RoleChild || r == RoleGuest
}

type ParticipantState string

const (
	ParticipantStateActive       ParticipantState = "active"
	ParticipantStateDisconnected ParticipantState = "disconnected"
)

type ParticipantInfo struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Role     Role             `json:"role"`
	Muted    bool             `json:"muted"`
	VideoOff bool             `json:"videoOff"`
	State    ParticipantState `json:"state"`
	JoinedAt int64            `json:"joinedAt"`
}

type JoinRoomPayload struct {
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	Muted     bool   `json:"muted"`
	VideoOff  bool   `json:"videoOff"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

type LeaveRoomPayload struct {
	Reason string `json:"reason,omitempty"`
}

// sent by the relay to a connection superseded by a newer join
const LeaveReasonReplaced = "replaced"

// ParticipantListPayload carries the full roster. Joined and Left describe the
// change that produced it and are empty in a join response. Resumed is set in
// the response to a reconnect that kept the participant's place.
type ParticipantListPayload struct {
	Participants []ParticipantInfo `json:"participants"`
	Joined       []ParticipantInfo `json:"joined,omitempty"`
	Left         []string          `json:"left,omitempty"`
	Resumed      bool              `json:"resumed,omitempty"`
}

func (p *ParticipantListPayload) Find(id string) (ParticipantInfo, bool) {
	for _, pi := range p.Participants {
		if pi.ID == id {
			return pi, true
		}
	}
	return ParticipantInfo{}, false
}

type SessionDescriptionPayload struct {
	Type       string `json:"type"`
	SDP        string `json:"sdp"`
	ICERestart bool   `json:"iceRestart,omitempty"`
}

type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ParticipantUpdatePayload struct {
	Muted    bool `json:"muted"`
	VideoOff bool `json:"videoOff"`
}

type ErrorCode string

const (
	ErrorCodeRoomFull      ErrorCode = "room_full"
	ErrorCodeNotJoined     ErrorCode = "not_joined"
	ErrorCodeBadRequest    ErrorCode = "bad_request"
	ErrorCodeUnauthorized  ErrorCode = "unauthorized"
	ErrorCodeUnknownTarget ErrorCode = "unknown_target"
	ErrorCodeInternal      ErrorCode = "internal"
)

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
