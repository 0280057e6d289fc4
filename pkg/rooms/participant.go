package rooms

import (
	"time"

	"github.com/parlo-health/parlo-call/pkg/routing"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

// Participant is a room member as seen by the relay. All fields are guarded by
// the owning Room's lock once the participant has joined.
type Participant struct {
	ID           string
	Name         string
	Role         signalling.Role
	ConnectionID string
	JoinedAt     time.Time

	muted    bool
	videoOff bool
	state    signalling.ParticipantState
	sink     routing.MessageSink
}

type ParticipantParams struct {
	ID           string
	Name         string
	Role         signalling.Role
	ConnectionID string
	Muted        bool
	VideoOff     bool
	Sink         routing.MessageSink
}

func NewParticipant(params ParticipantParams) *Participant {
	return &Participant{
		ID:           params.ID,
		Name:         params.Name,
		Role:         params.Role,
		ConnectionID: params.ConnectionID,
		JoinedAt:     time.Now(),
		muted:        params.Muted,
		videoOff:     params.VideoOff,
		state:        signalling.ParticipantStateActive,
		sink:         params.Sink,
	}
}

func (p *Participant) ToInfo() signalling.ParticipantInfo {
	return signalling.ParticipantInfo{
		ID:       p.ID,
		Name:     p.Name,
		Role:     p.Role,
		Muted:    p.muted,
		VideoOff: p.videoOff,
		State:    p.state,
		JoinedAt: p.JoinedAt.UnixMilli(),
	}
}

func (p *Participant) write(msg *signalling.Message) error {
	if p.sink == nil {
		return routing.ErrChannelClosed
	}
	return p.sink.WriteMessage(msg)
}

func (p *Participant) closeSink() {
	if p.sink != nil {
		p.sink.Close()
	}
}
