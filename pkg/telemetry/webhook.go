package telemetry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"

	WebhookContentType = "application/webhook+json"
	WebhookIdentity    = "parlo-webhook"

	webhookTokenTTL = 5 * time.Minute
	webhookTimeout  = 10 * time.Second
)

type WebhookEvent struct {
	ID          string                      `json:"id"`
	Event       string                      `json:"event"`
	Room        *rooms.RoomInfo             `json:"room,omitempty"`
	Participant *signalling.ParticipantInfo `json:"participant,omitempty"`
	CreatedAt   int64                       `json:"createdAt"`
}

type Notifier interface {
	QueueNotify(ctx context.Context, event *WebhookEvent) error
	Stop(force bool)
}

// WebhookNotifier posts events to every configured URL, one request at a
// time and in the order they were queued.
type WebhookNotifier struct {
	apiKey    string
	apiSecret string
	urls      []string
	client    *http.Client
	pool      *workerpool.WorkerPool
	logger    logger.Logger
}

func NewWebhookNotifier(apiKey, apiSecret string, urls []string) *WebhookNotifier {
	return &WebhookNotifier{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		urls:      urls,
		client:    &http.Client{Timeout: webhookTimeout},
		pool:      workerpool.New(1),
		logger:    logger.GetLogger().WithName("webhook"),
	}
}

func (n *WebhookNotifier) QueueNotify(_ context.Context, event *WebhookEvent) error {
	if n.pool.Stopped() {
		return errors.New("webhook notifier stopped")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	for _, url := range n.urls {
		url := url
		n.pool.Submit(func() {
			if err := n.send(url, payload); err != nil {
				n.logger.Warnw("failed to send webhook", err, "url", url, "event", event.Event)
			}
		})
	}
	return nil
}

// Stop waits for queued events to be delivered unless force is set.
func (n *WebhookNotifier) Stop(force bool) {
	if force {
		n.pool.Stop()
	} else {
		n.pool.StopWait()
	}
}

func (n *WebhookNotifier) send(url string, payload []byte) error {
	sum := sha256.Sum256(payload)
	token, err := auth.NewAccessToken(n.apiKey, n.apiSecret).
		SetIdentity(WebhookIdentity).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		SetValidFor(webhookTokenTTL).
		ToJWT()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", WebhookContentType)

	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode >= 300 {
		return errors.Errorf("webhook returned %s", res.Status)
	}
	return nil
}

// VerifyWebhook checks the token on a received webhook against its body and
// returns the decoded event.
func VerifyWebhook(r *http.Request, provider auth.KeyProvider) (*WebhookEvent, error) {
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(r.Body); err != nil {
		return nil, err
	}

	v, err := auth.ParseAPIToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	secret := provider.GetSecret(v.APIKey())
	if secret == "" {
		return nil, ErrSecretNotFound
	}
	claims, err := v.Verify(secret)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body.Bytes())
	if claims.Sha256 != base64.StdEncoding.EncodeToString(sum[:]) {
		return nil, ErrInvalidChecksum
	}

	event := &WebhookEvent{}
	if err := json.Unmarshal(body.Bytes(), event); err != nil {
		return nil, err
	}
	return event, nil
}

var (
	ErrSecretNotFound  = errors.New("secret not found for webhook key")
	ErrInvalidChecksum = errors.New("webhook body does not match checksum")
)
