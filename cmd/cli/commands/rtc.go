package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

const sampleInterval = 20 * time.Millisecond

var (
	RTCCommands = []*cli.Command{
		{
			Name:   "join",
			Usage:  "join a room as a headless participant sending synthetic media",
			Action: joinRoom,
			Flags: []cli.Flag{
				roomFlag,
				rtcHostFlag,
				&cli.StringFlag{
					Name:  "token",
					Usage: "access token. if passed in, ignores --api-key, --api-secret and --identity",
				},
				&cli.StringFlag{
					Name:  "identity",
					Usage: "participant id, required unless --token is given",
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "display name of participant",
				},
				&cli.StringFlag{
					Name:  "role",
					Usage: "therapist, child or guest",
					Value: string(signalling.RoleGuest),
				},
				&cli.BoolFlag{
					Name:  "no-video",
					Usage: "capture audio only",
				},
				&cli.BoolFlag{
					Name:  "deny-camera",
					Usage: "simulate a denied camera permission",
				},
				&cli.BoolFlag{
					Name:  "deny-all",
					Usage: "simulate denied capture permissions and join as an observer",
				},
				&cli.DurationFlag{
					Name:  "negotiation-timeout",
					Value: config.DefaultConfig.RTC.NegotiationTimeout,
				},
				apiKeyFlag,
				secretFlag,
			},
		},
	}
)

func joinRoom(c *cli.Context) error {
	identity := c.String("identity")
	roomID := c.String("room")
	token := c.String("token")
	role := signalling.Role(c.String("role"))
	if !role.IsValid() {
		return fmt.Errorf("unknown role %q", role)
	}

	// generate access token if needed
	if token == "" {
		if identity == "" {
			return fmt.Errorf("--identity is required")
		}
		var err error
		token, err = accessToken(c, &auth.CallGrant{
			RoomJoin: true,
			Room:     roomID,
			Role:     string(role),
		}, identity)
		if err != nil {
			return err
		}
	} else if identity == "" {
		verifier, err := auth.ParseAPIToken(token)
		if err != nil {
			return err
		}
		identity = verifier.Identity()
	}

	log := logger.GetLogger()

	devices := rtc.NewSyntheticDevices()
	if c.Bool("deny-camera") {
		devices.Fail(types.ModalityVideo, rtc.ErrPermissionDenied)
	}
	if c.Bool("deny-all") {
		devices.Fail(types.ModalityAll, rtc.ErrPermissionDenied)
	}
	constraints := types.MediaConstraints{Audio: true, Video: !c.Bool("no-video")}

	conf := config.DefaultConfig
	transports, err := rtc.NewTransportFactory(rtc.TransportConfig{
		ICEServers: conf.RTC.WebRTCICEServers(),
		PionLevel:  conf.Logging.PionLevel,
	}, log)
	if err != nil {
		return err
	}

	host := strings.TrimSuffix(c.String("host"), "/")
	log.Infow("connecting to websocket signal", "host", host)
	call := rtc.NewCall(rtc.CallParams{
		RoomID:        roomID,
		ParticipantID: identity,
		Name:          c.String("name"),
		Role:          role,
		Devices:       devices,
		Constraints:   constraints,
		Dialer: &signalling.WSDialer{
			URL:          host + "/rtc",
			Token:        token,
			PingInterval: conf.Signal.PingInterval,
		},
		TransportFactory:   transports,
		NegotiationTimeout: c.Duration("negotiation-timeout"),
		Signal:             conf.Signal,
		Logger:             log,
	})

	done := make(chan struct{})
	var doneOnce sync.Once
	call.OnStateChange(func(from, to rtc.CallState, err error) {
		fmt.Printf("call %s -> %s\n", from, to)
		if to.IsTerminal() {
			if err != nil {
				fmt.Println("call ended with error:", err)
			}
			doneOnce.Do(func() { close(done) })
		}
	})

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	if err := call.Join(ctx); err != nil {
		return errors.Wrap(err, "join")
	}
	for _, n := range call.Media().Notices() {
		fmt.Println("notice:", n.Message)
	}

	pump := newSamplePump(ctx)
	pump.Restart(call.Media().ActiveTracks())
	defer pump.Stop()

	handleSignals(call)
	go readCommands(ctx, call, pump)

	<-done
	return call.Err()
}

// samplePump feeds synthetic frames to the call's local tracks.
type samplePump struct {
	ctx    context.Context
	lock   sync.Mutex
	cancel context.CancelFunc
}

func newSamplePump(ctx context.Context) *samplePump {
	return &samplePump{ctx: ctx}
}

func (p *samplePump) Restart(tracks []types.LocalTrack) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel = cancel
	go rtc.PumpSamples(ctx, tracks, sampleInterval)
}

func (p *samplePump) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func readCommands(ctx context.Context, call *rtc.Call, pump *samplePump) {
	fmt.Println("commands: mute, unmute, video on, video off, retry, roster, leave")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := handleCommand(ctx, call, pump, strings.TrimSpace(scanner.Text())); err != nil {
			logger.Warnw("could not handle command", err)
		}
	}
}

func handleCommand(ctx context.Context, call *rtc.Call, pump *samplePump, cmd string) error {
	switch cmd {
	case "":
		return nil
	case "mute":
		return call.SetAudioEnabled(false)
	case "unmute":
		return call.SetAudioEnabled(true)
	case "video on":
		return call.SetVideoEnabled(true)
	case "video off":
		return call.SetVideoEnabled(false)
	case "retry":
		if err := call.Reacquire(ctx); err != nil {
			return err
		}
		pump.Restart(call.Media().ActiveTracks())
		return nil
	case "roster":
		PrintJSON(call.Roster())
		return nil
	case "leave":
		return call.Leave()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func handleSignals(call *rtc.Call) {
	// signal to stop client
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, leaving room", "signal", sig)
		if err := call.Leave(); err != nil {
			logger.Warnw("could not leave cleanly", err)
		}
	}()
}
