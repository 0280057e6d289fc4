package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "PARLO"

	// HS256 signing rejects shorter keys
	MinSecretLength = 32

	// placeholder key pair for --dev without configured keys
	DevAPIKey    = "devkey"
	DevAPISecret = "devsecretdevsecretdevsecretdevsecret"
)

var (
	ErrKeyFileIncorrectPermission = errors.New("key file others permissions must be set to 0")
	ErrKeysNotSet                 = errors.New("one of key-file or keys must be provided")
	ErrSecretTooShort             = errors.Errorf("secrets must be at least %d characters", MinSecretLength)
	ErrInvalidICEServer           = errors.New("invalid ice server")
	ErrInvalidRoomCapacity        = errors.New("room max_participants must be at least 1")

	DefaultStunServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}

	durationType = reflect.TypeOf(time.Duration(0))
)

type Config struct {
	Port           uint32            `yaml:"port,omitempty"`
	BindAddresses  []string          `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32            `yaml:"prometheus_port,omitempty"`
	RTC            RTCConfig         `yaml:"rtc,omitempty"`
	Room           RoomConfig        `yaml:"room,omitempty"`
	Signal         SignalConfig      `yaml:"signal,omitempty"`
	Redis          RedisConfig       `yaml:"redis,omitempty"`
	WebHook        WebHookConfig     `yaml:"webhook,omitempty"`
	KeyFile        string            `yaml:"key_file,omitempty"`
	Keys           map[string]string `yaml:"keys,omitempty"`
	Logging        LoggingConfig     `yaml:"logging,omitempty"`
	Development    bool              `yaml:"development,omitempty"`
}

type RTCConfig struct {
	ICEServers []ICEServerConfig `yaml:"ice_servers,omitempty"`
	// a peer connection not connected within this window of starting negotiation is failed
	NegotiationTimeout     time.Duration `yaml:"negotiation_timeout,omitempty"`
	ICEDisconnectedTimeout time.Duration `yaml:"ice_disconnected_timeout,omitempty"`
	ICEFailedTimeout       time.Duration `yaml:"ice_failed_timeout,omitempty"`
	ICEKeepaliveInterval   time.Duration `yaml:"ice_keepalive_interval,omitempty"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type RoomConfig struct {
	MaxParticipants   uint32        `yaml:"max_participants,omitempty"`
	MetadataCacheSize int           `yaml:"metadata_cache_size,omitempty"`
	MetadataCacheTTL  time.Duration `yaml:"metadata_cache_ttl,omitempty"`
}

type SignalConfig struct {
	ReconnectMaxAttempts     int           `yaml:"reconnect_max_attempts,omitempty"`
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval,omitempty"`
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval,omitempty"`
	OutboundBufferSize       int           `yaml:"outbound_buffer_size,omitempty"`
	HandshakeTimeout         time.Duration `yaml:"handshake_timeout,omitempty"`
	PingInterval             time.Duration `yaml:"ping_interval,omitempty"`
	// per connection queue on the relay
	SendBufferSize int `yaml:"send_buffer_size,omitempty"`
	// how long the relay holds a dropped participant's place for a reconnect
	DisconnectGracePeriod time.Duration `yaml:"disconnect_grace_period,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

func (r *RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type WebHookConfig struct {
	URLs []string `yaml:"urls,omitempty"`
	// key used to sign webhook requests, must be one of the configured keys
	APIKey string `yaml:"api_key,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Port: 7880,
	RTC: RTCConfig{
		ICEServers: []ICEServerConfig{
			{URLs: DefaultStunServers},
		},
		NegotiationTimeout:     30 * time.Second,
		ICEDisconnectedTimeout: 5 * time.Second,
		ICEFailedTimeout:       10 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
	},
	Room: RoomConfig{
		MaxParticipants:   2,
		MetadataCacheSize: 1024,
		MetadataCacheTTL:  time.Minute,
	},
	Signal: SignalConfig{
		ReconnectMaxAttempts:     5,
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReconnectMaxInterval:     20 * time.Second,
		OutboundBufferSize:       256,
		HandshakeTimeout:         10 * time.Second,
		PingInterval:             10 * time.Second,
		SendBufferSize:           200,
		DisconnectGracePeriod:    30 * time.Second,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
	Keys: map[string]string{},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.RTC.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate RTC config: %v", err)
	}
	if conf.Room.MaxParticipants == 0 {
		return nil, ErrInvalidRoomCapacity
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.KeyFile))
	if err != nil {
		return nil, err
	}
	conf.KeyFile = file

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

// Validate checks every ICE server URL parses as a STUN/TURN URI.
func (r *RTCConfig) Validate() error {
	for _, s := range r.ICEServers {
		if len(s.URLs) == 0 {
			return errors.Wrap(ErrInvalidICEServer, "no urls")
		}
		for _, u := range s.URLs {
			uri, err := stun.ParseURI(u)
			if err != nil {
				return errors.Wrapf(ErrInvalidICEServer, "%s: %v", u, err)
			}
			if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && s.Username == "" {
				return errors.Wrapf(ErrInvalidICEServer, "%s: turn server requires username", u)
			}
		}
	}
	return nil
}

func (r *RTCConfig) WebRTCICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		server := webrtc.ICEServer{
			URLs: append([]string(nil), s.URLs...),
		}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func (conf *Config) ValidateKeys() error {
	// prefer keyfile if set
	if conf.KeyFile != "" {
		var otherFilter os.FileMode = 0o007
		if st, err := os.Stat(conf.KeyFile); err != nil {
			return err
		} else if st.Mode().Perm()&otherFilter != 0o000 {
			return ErrKeyFileIncorrectPermission
		}
		f, err := os.Open(conf.KeyFile)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		decoder := yaml.NewDecoder(f)
		conf.Keys = map[string]string{}
		if err = decoder.Decode(conf.Keys); err != nil {
			return err
		}
	}

	if len(conf.Keys) == 0 {
		return ErrKeysNotSet
	}

	for key, secret := range conf.Keys {
		if len(secret) < MinSecretLength {
			return errors.Wrapf(ErrSecretTooShort, "api key %s", key)
		}
	}
	return nil
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch {
		case value.Type() == durationType:
			flag = &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case kind == reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Slice, kind == reflect.Map:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch {
		case configValue.Type() == durationType:
			configValue.SetInt(int64(c.Duration(flagName)))
		case kind == reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case kind == reflect.String:
			configValue.SetString(c.String(flagName))
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("key-file") {
		conf.KeyFile = c.String("key-file")
	}
	if c.IsSet("keys") {
		if err := conf.unmarshalKeys(c.String("keys")); err != nil {
			return errors.New("Could not parse keys, it needs to be exactly, \"key: secret\", including the space")
		}
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

func (conf *Config) unmarshalKeys(keys string) error {
	temp := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(keys), temp); err != nil {
		return err
	}

	conf.Keys = make(map[string]string, len(temp))

	for key, val := range temp {
		if secret, ok := val.(string); ok {
			conf.Keys[key] = secret
		}
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "parlo")
}
