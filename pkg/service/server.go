package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

type ParloServer struct {
	config      *config.Config
	rtcService  *RTCService
	roomManager *RoomManager
	httpServer  *http.Server
	promServer  *http.Server
	nodeID      string
	running     atomic.Bool
	doneChan    chan struct{}
	closedChan  chan struct{}
}

func NewParloServer(conf *config.Config,
	roomService *RoomService,
	rtcService *RTCService,
	keyProvider auth.KeyProvider,
	roomManager *RoomManager,
) (*ParloServer, error) {
	s := &ParloServer{
		config:      conf,
		rtcService:  rtcService,
		roomManager: roomManager,
		nodeID:      utils.NewGuid(utils.NodePrefix),
		closedChan:  make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
		}),
	}
	if keyProvider != nil {
		middlewares = append(middlewares, NewTokenAuthMiddleware(keyProvider))
	}

	mux := http.NewServeMux()
	mux.Handle("/rtc", rtcService)
	roomService.SetupRoutes(mux)
	mux.HandleFunc("/healthz", s.healthCheck)

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promMux,
		}
		prometheus.Init(s.nodeID)
	}

	return s, nil
}

func (s *ParloServer) NodeID() string {
	return s.nodeID
}

func (s *ParloServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *ParloServer) IsRunning() bool {
	return s.running.Load()
}

func (s *ParloServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	var promListener net.Listener
	if s.promServer != nil {
		ln, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		promListener = ln
	}

	logger.Infow("starting parlo call server",
		"portHttp", s.config.Port,
		"nodeID", s.nodeID,
		"bindAddresses", addresses,
	)

	group, groupCtx := errgroup.WithContext(context.Background())
	for _, ln := range listeners {
		l := ln
		group.Go(func() error {
			return s.httpServer.Serve(l)
		})
	}
	if promListener != nil {
		group.Go(func() error {
			return s.promServer.Serve(promListener)
		})
	}

	s.doneChan = make(chan struct{})
	s.running.Store(true)

	select {
	case <-s.doneChan:
	case <-groupCtx.Done():
	}

	logger.Infow("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	s.roomManager.Stop()
	s.running.Store(false)
	close(s.closedChan)

	err := group.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		logger.Errorw("server stopped serving", err)
	}
	return err
}

func (s *ParloServer) Stop() {
	if !s.running.Load() {
		return
	}
	select {
	case <-s.doneChan:
	default:
		close(s.doneChan)
	}
	<-s.closedChan
}

func (s *ParloServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
