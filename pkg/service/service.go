package service

import (
	"os"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/telemetry"
)

var ServiceSet = wire.NewSet(
	createRedisClient,
	createRoomStore,
	createKeyProvider,
	createWebhookNotifier,
	telemetry.NewTelemetryService,
	NewLocalRoomManager,
	NewRoomService,
	NewRTCService,
	NewParloServer,
)

func createRedisClient(conf *config.Config) (*redis.Client, error) {
	return NewRedisClient(&conf.Redis)
}

func createRoomStore(conf *config.Config, rc *redis.Client) RoomStore {
	var store RoomStore
	if rc != nil {
		logger.Infow("using redis room metadata store", "address", conf.Redis.Address)
		store = NewRedisRoomStore(rc)
	} else {
		store = NewLocalRoomStore()
	}
	if conf.Room.MetadataCacheSize > 0 {
		store = NewCachedRoomStore(store, conf.Room.MetadataCacheSize, conf.Room.MetadataCacheTTL)
	}
	return store
}

func createKeyProvider(conf *config.Config) (auth.KeyProvider, error) {
	// prefer keyfile if set
	if conf.KeyFile != "" {
		f, err := os.Open(conf.KeyFile)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close()
		}()
		return auth.NewFileBasedKeyProvider(f)
	}

	if len(conf.Keys) == 0 {
		return nil, config.ErrKeysNotSet
	}
	return auth.NewFileBasedKeyProviderFromMap(conf.Keys), nil
}

func createWebhookNotifier(conf *config.Config, provider auth.KeyProvider) (telemetry.Notifier, error) {
	wc := conf.WebHook
	if len(wc.URLs) == 0 {
		return nil, nil
	}
	secret := provider.GetSecret(wc.APIKey)
	if secret == "" {
		return nil, ErrWebHookMissingAPIKey
	}
	logger.Infow("sending webhooks", "urls", wc.URLs)
	return telemetry.NewWebhookNotifier(wc.APIKey, secret, wc.URLs), nil
}
