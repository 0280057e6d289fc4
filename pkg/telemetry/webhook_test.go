package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

const (
	apiKey    = "APIkey"
	apiSecret = "secretsecretsecretsecretsecretsecret"
)

type receiver struct {
	lock   sync.Mutex
	events []*WebhookEvent
	errs   []error
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	r := &receiver{}
	provider := auth.NewFileBasedKeyProviderFromMap(map[string]string{apiKey: apiSecret})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		event, err := VerifyWebhook(req, provider)
		if err == nil && req.Header.Get("Content-Type") != WebhookContentType {
			err = errors.New("unexpected content type")
		}
		r.lock.Lock()
		defer r.lock.Unlock()
		if err != nil {
			r.errs = append(r.errs, err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r.events = append(r.events, event)
	}))
	t.Cleanup(s.Close)
	return r, s
}

func (r *receiver) Events() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

func TestWebhookDelivery(t *testing.T) {
	r, s := newReceiver(t)
	notifier := NewWebhookNotifier(apiKey, apiSecret, []string{s.URL})
	ts := NewTelemetryService(notifier)

	room := rooms.RoomInfo{ID: "therapy-1", MaxParticipants: 4, CreatedAt: time.Now()}
	p := signalling.ParticipantInfo{ID: "alice", Role: signalling.RoleTherapist}

	ctx := context.Background()
	ts.RoomStarted(ctx, room)
	ts.ParticipantJoined(ctx, room, p)
	ts.ParticipantLeft(ctx, room, p)
	ts.RoomEnded(ctx, room)
	ts.Stop()

	require.Empty(t, r.errs)
	require.Equal(t, []string{
		EventRoomStarted,
		EventParticipantJoined,
		EventParticipantLeft,
		EventRoomFinished,
	}, r.Events())

	joined := r.events[1]
	require.NotEmpty(t, joined.ID)
	require.NotZero(t, joined.CreatedAt)
	require.Equal(t, "therapy-1", joined.Room.ID)
	require.Equal(t, "alice", joined.Participant.ID)
	require.Nil(t, r.events[0].Participant)

	require.Error(t, notifier.QueueNotify(ctx, &WebhookEvent{Event: EventRoomStarted}))
}

func TestVerifyWebhook(t *testing.T) {
	provider := auth.NewFileBasedKeyProviderFromMap(map[string]string{apiKey: apiSecret})
	body := []byte(`{"id":"EV_1","event":"room_started","createdAt":1}`)

	sign := func(secret string, signed []byte) string {
		n := NewWebhookNotifier(apiKey, secret, nil)
		var header string
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			header = req.Header.Get("Authorization")
		}))
		defer s.Close()
		require.NoError(t, n.send(s.URL, signed))
		return header
	}

	request := func(token string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set("Authorization", token)
		return req
	}

	t.Run("valid", func(t *testing.T) {
		event, err := VerifyWebhook(request(sign(apiSecret, body)), provider)
		require.NoError(t, err)
		require.Equal(t, EventRoomStarted, event.Event)
	})

	t.Run("tampered body", func(t *testing.T) {
		_, err := VerifyWebhook(request(sign(apiSecret, []byte(`{}`))), provider)
		require.ErrorIs(t, err, ErrInvalidChecksum)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := VerifyWebhook(request(sign("anothersecretanotheranothersecretanother", body)), provider)
		require.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := VerifyWebhook(request(sign(apiSecret, body)), auth.NewFileBasedKeyProviderFromMap(nil))
		require.ErrorIs(t, err, ErrSecretNotFound)
	})
}

func TestNilNotifier(t *testing.T) {
	ts := NewTelemetryService(nil)
	ts.RoomStarted(context.Background(), rooms.RoomInfo{ID: "room"})
	ts.Stop()
}
