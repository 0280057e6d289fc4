package telemetry

import (
	"context"
	"time"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

type TelemetryService interface {
	RoomStarted(ctx context.Context, room rooms.RoomInfo)
	RoomEnded(ctx context.Context, room rooms.RoomInfo)
	ParticipantJoined(ctx context.Context, room rooms.RoomInfo, participant signalling.ParticipantInfo)
	ParticipantLeft(ctx context.Context, room rooms.RoomInfo, participant signalling.ParticipantInfo)
	Stop()
}

type telemetryService struct {
	notifier Notifier
}

// NewTelemetryService returns a service that forwards lifecycle events to
// notifier. A nil notifier drops them.
func NewTelemetryService(notifier Notifier) TelemetryService {
	return &telemetryService{notifier: notifier}
}

func (t *telemetryService) RoomStarted(ctx context.Context, room rooms.RoomInfo) {
	t.notifyEvent(ctx, &WebhookEvent{
		Event: EventRoomStarted,
		Room:  &room,
	})
}

func (t *telemetryService) RoomEnded(ctx context.Context, room rooms.RoomInfo) {
	t.notifyEvent(ctx, &WebhookEvent{
		Event: EventRoomFinished,
		Room:  &room,
	})
}

func (t *telemetryService) ParticipantJoined(ctx context.Context, room rooms.RoomInfo, participant signalling.ParticipantInfo) {
	t.notifyEvent(ctx, &WebhookEvent{
		Event:       EventParticipantJoined,
		Room:        &room,
		Participant: &participant,
	})
}

func (t *telemetryService) ParticipantLeft(ctx context.Context, room rooms.RoomInfo, participant signalling.ParticipantInfo) {
	t.notifyEvent(ctx, &WebhookEvent{
		Event:       EventParticipantLeft,
		Room:        &room,
		Participant: &participant,
	})
}

func (t *telemetryService) Stop() {
	if t.notifier != nil {
		t.notifier.Stop(false)
	}
}

func (t *telemetryService) notifyEvent(ctx context.Context, event *WebhookEvent) {
	if t.notifier == nil {
		return
	}

	event.CreatedAt = time.Now().Unix()
	event.ID = utils.NewGuid(utils.EventPrefix)

	if err := t.notifier.QueueNotify(ctx, event); err != nil {
		logger.Warnw("failed to notify webhook", err, "event", event.Event)
	}
}
