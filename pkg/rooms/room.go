package rooms

import (
	"sync"
	"time"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/routing"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

type JoinKind string

const (
	JoinKindNew     JoinKind = "new"
	JoinKindReplace JoinKind = "replace"
	JoinKindResume  JoinKind = "resume"
)

// Room is the relay's authoritative view of one session. Every mutation and
// the fan-out it causes happen under lock, so all members observe roster
// changes and relayed messages in the same order.
type Room struct {
	ID        string
	Name      string
	Capacity  int
	CreatedAt time.Time

	logger logger.Logger

	lock         sync.Mutex
	participants []*Participant
	seq          uint64
	isClosed     bool
}

func NewRoom(id string, name string, capacity int, l logger.Logger) *Room {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Room{
		ID:        id,
		Name:      name,
		Capacity:  capacity,
		CreatedAt: time.Now(),
		logger:    l.WithValues("room", id),
	}
}

// Join registers p and sends it the roster before announcing it to everyone
// else. A reconnecting participant that is still registered is resumed in
// place. Any other registration under the same id is replaced: its peers
// are told it left before they are told it joined.
func (r *Room) Join(p *Participant, reconnect bool) (JoinKind, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.isClosed {
		return "", ErrRoomClosed
	}

	kind := JoinKindNew
	if idx := r.indexLocked(p.ID); idx >= 0 {
		existing := r.participants[idx]
		if reconnect {
			r.resumeLocked(existing, p)
			return JoinKindResume, nil
		}

		r.logger.Infow("replacing participant", "participant", p.ID,
			"oldConnection", existing.ConnectionID, "connection", p.ConnectionID)
		r.removeAtLocked(idx)
		r.broadcastLocked(r.rosterMessageLocked(nil, []string{existing.ID}), "")
		// tell the stale connection not to come back
		_ = existing.write(signalling.MustMessage(signalling.MessageTypeLeaveRoom, r.ID, "", &signalling.LeaveRoomPayload{
			Reason: signalling.LeaveReasonReplaced,
		}))
		existing.closeSink()
		kind = JoinKindReplace
	}

	if r.Capacity > 0 && len(r.participants) >= r.Capacity {
		return "", ErrMaxParticipantsExceeded
	}

	r.participants = append(r.participants, p)
	r.logger.Infow("participant joined", "participant", p.ID, "role", p.Role, "kind", kind,
		"numParticipants", len(r.participants))

	r.sendLocked(p, r.rosterMessageLocked(nil, nil))
	r.broadcastLocked(r.rosterMessageLocked([]signalling.ParticipantInfo{p.ToInfo()}, nil), p.ID)
	return kind, nil
}

func (r *Room) resumeLocked(existing *Participant, p *Participant) {
	r.logger.Infow("resuming participant", "participant", p.ID,
		"oldConnection", existing.ConnectionID, "connection", p.ConnectionID)

	wasDisconnected := existing.state == signalling.ParticipantStateDisconnected
	oldSink := existing.sink
	existing.sink = p.sink
	existing.ConnectionID = p.ConnectionID
	existing.muted = p.muted
	existing.videoOff = p.videoOff
	existing.state = signalling.ParticipantStateActive

	r.sendLocked(existing, signalling.MustMessage(signalling.MessageTypeParticipantList, r.ID, "", &signalling.ParticipantListPayload{
		Participants: r.rosterLocked(),
		Resumed:      true,
	}))
	if wasDisconnected {
		r.broadcastLocked(r.rosterMessageLocked(nil, nil), existing.ID)
	}
	if oldSink != nil && oldSink != p.sink {
		oldSink.Close()
	}
}

// Disconnect marks a member whose connection dropped without leaving. It
// keeps its place, and its slot, until it resumes or leaves. Messages for it
// are dropped meanwhile.
func (r *Room) Disconnect(participantID string, connectionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := r.indexLocked(participantID)
	if idx < 0 {
		return false
	}
	p := r.participants[idx]
	if p.ConnectionID != connectionID || p.state == signalling.ParticipantStateDisconnected {
		return false
	}

	p.state = signalling.ParticipantStateDisconnected
	p.closeSink()
	p.sink = nil
	r.logger.Infow("participant disconnected", "participant", participantID, "connection", connectionID)
	r.broadcastLocked(r.rosterMessageLocked(nil, nil), participantID)
	return true
}

// Leave removes the participant registered under connectionID and tells the
// remaining members. It reports whether anything was removed and whether the
// room is now closed.
func (r *Room) Leave(participantID string, connectionID string) (removed bool, closed bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := r.indexLocked(participantID)
	if idx < 0 {
		return false, r.isClosed
	}
	p := r.participants[idx]
	if connectionID != "" && p.ConnectionID != connectionID {
		// superseded by a newer connection
		r.logger.Debugw("ignoring leave from stale connection", "participant", participantID, "connection", connectionID)
		return false, r.isClosed
	}

	r.removeAtLocked(idx)
	p.state = signalling.ParticipantStateDisconnected
	r.logger.Infow("participant left", "participant", participantID, "numParticipants", len(r.participants))
	r.broadcastLocked(r.rosterMessageLocked(nil, []string{participantID}), "")
	p.closeSink()

	if len(r.participants) == 0 {
		r.isClosed = true
	}
	return true, r.isClosed
}

// Relay forwards msg from its sender to the target, or to every other member.
func (r *Room) Relay(msg *signalling.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.indexLocked(msg.SenderID) < 0 {
		return ErrParticipantNotFound
	}

	if msg.TargetID != "" {
		idx := r.indexLocked(msg.TargetID)
		if idx < 0 {
			return ErrUnknownTarget
		}
		r.stampLocked(msg)
		r.sendLocked(r.participants[idx], msg)
		return nil
	}

	r.stampLocked(msg)
	r.broadcastStampedLocked(msg, msg.SenderID)
	return nil
}

// UpdateParticipant records media flags and relays them to the other members.
func (r *Room) UpdateParticipant(participantID string, update signalling.ParticipantUpdatePayload) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := r.indexLocked(participantID)
	if idx < 0 {
		return ErrParticipantNotFound
	}
	p := r.participants[idx]
	p.muted = update.Muted
	p.videoOff = update.VideoOff

	msg := signalling.MustMessage(signalling.MessageTypeParticipantUpdate, r.ID, participantID, &update)
	r.broadcastLocked(msg, participantID)
	return nil
}

func (r *Room) GetParticipant(participantID string) (signalling.ParticipantInfo, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	idx := r.indexLocked(participantID)
	if idx < 0 {
		return signalling.ParticipantInfo{}, false
	}
	return r.participants[idx].ToInfo(), true
}

func (r *Room) ConnectionID(participantID string) string {
	r.lock.Lock()
	defer r.lock.Unlock()
	idx := r.indexLocked(participantID)
	if idx < 0 {
		return ""
	}
	return r.participants[idx].ConnectionID
}

// Roster returns members in join order.
func (r *Room) Roster() []signalling.ParticipantInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.rosterLocked()
}

func (r *Room) NumParticipants() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.participants)
}

func (r *Room) IsClosed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.isClosed
}

// Close disconnects every member without broadcasting.
func (r *Room) Close() {
	r.lock.Lock()
	participants := r.participants
	r.participants = nil
	r.isClosed = true
	r.lock.Unlock()

	for _, p := range participants {
		p.closeSink()
	}
}

func (r *Room) indexLocked(participantID string) int {
	for i, p := range r.participants {
		if p.ID == participantID {
			return i
		}
	}
	return -1
}

func (r *Room) removeAtLocked(idx int) {
	r.participants = append(r.participants[:idx], r.participants[idx+1:]...)
}

func (r *Room) rosterLocked() []signalling.ParticipantInfo {
	infos := make([]signalling.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		infos = append(infos, p.ToInfo())
	}
	return infos
}

func (r *Room) rosterMessageLocked(joined []signalling.ParticipantInfo, left []string) *signalling.Message {
	return signalling.MustMessage(signalling.MessageTypeParticipantList, r.ID, "", &signalling.ParticipantListPayload{
		Participants: r.rosterLocked(),
		Joined:       joined,
		Left:         left,
	})
}

func (r *Room) stampLocked(msg *signalling.Message) {
	r.seq++
	msg.Seq = r.seq
	msg.RoomID = r.ID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
}

func (r *Room) sendLocked(p *Participant, msg *signalling.Message) {
	if msg.Seq == 0 {
		r.stampLocked(msg)
	}
	if err := p.write(msg); err != nil {
		r.dropSlowLocked(p, err)
	}
}

func (r *Room) broadcastLocked(msg *signalling.Message, exceptID string) {
	r.stampLocked(msg)
	r.broadcastStampedLocked(msg, exceptID)
}

func (r *Room) broadcastStampedLocked(msg *signalling.Message, exceptID string) {
	for _, p := range r.participants {
		if p.ID == exceptID {
			continue
		}
		if err := p.write(msg); err != nil {
			r.dropSlowLocked(p, err)
		}
	}
}

// a member whose queue overflowed has its connection closed; its handler then leaves
func (r *Room) dropSlowLocked(p *Participant, err error) {
	if err == routing.ErrChannelClosed {
		return
	}
	r.logger.Warnw("could not deliver message, closing connection", err, "participant", p.ID)
	p.closeSink()
}
