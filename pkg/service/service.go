// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/media/rtp"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/stats"
	"github.com/voicebridge/voicebridge/pkg/stream"
	"github.com/voicebridge/voicebridge/pkg/transfer"
	"github.com/voicebridge/voicebridge/version"
)

const drainPoll = time.Second

// Service wires the media host, the stream bridge, the control relay and the transfer orchestrator.
type Service struct {
	conf *config.Config
	log  logger.Logger
	mon  *stats.Monitor

	host     *rtp.Host
	bridge   *stream.Bridge
	disp     *relay.Dispatcher
	inbound  *relay.Inbound
	outbound *relay.Outbound
	relay    *relay.Relay
	dests    *transfer.CachedLoader
	dir      *transfer.Directory
	audit    *transfer.Auditor
	orch     *transfer.Orchestrator

	// Recently seen digits per leg.
	dmu    sync.Mutex
	digits *expirable.LRU[string, struct{}]

	apiSrv  *http.Server
	promSrv *http.Server

	shutdown core.Fuse
	kill     core.Fuse
	stopped  core.Fuse
}

func NewService(conf *config.Config, log logger.Logger, mon *stats.Monitor) *Service {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Service{
		conf: conf,
		log:  log,
		mon:  mon,
	}
	s.host = rtp.NewHost(log, conf.RTP)
	s.bridge = stream.NewBridge(conf.Stream, s.host, mon, log)

	s.disp = relay.NewDispatcher(log, mon, relay.DefaultLegQueue)
	s.disp.SetDefault(s.onRelayEvent)
	var channels []relay.Channel
	if !conf.ESL.Inbound.Disabled {
		s.inbound = relay.NewInbound(log, conf.ESL.Inbound, s.disp)
		channels = append(channels, s.inbound)
	}
	if !conf.ESL.Outbound.Disabled {
		s.outbound = relay.NewOutbound(log, s.disp)
		channels = append(channels, s.outbound)
	}
	s.relay = relay.New(log, mon, channels...)

	s.dests = transfer.NewCachedLoader(transfer.NewStaticLoader(conf.Destinations), conf.Transfer.CacheSize, conf.Transfer.CacheTTL)
	s.dir = transfer.NewDirectory(s.dests)
	s.audit = transfer.NewAuditor(conf.Audit, conf.GetLoggerFields())
	s.orch = transfer.NewOrchestrator(log, conf.Transfer, s.relay, s.disp, s.dir, s.audit, mon)

	s.digits = expirable.NewLRU[string, struct{}](1024, nil, conf.DTMF.Dedupe)

	s.host.OnLegClosed(s.onLegClosed)
	s.host.OnDigit(func(id string, digit byte) {
		s.onDigit(id, string(digit), "rtp")
	})
	return s
}

// Bridge is the stream command surface.
func (s *Service) Bridge() *stream.Bridge {
	return s.bridge
}

func (s *Service) Relay() *relay.Relay {
	return s.relay
}

func (s *Service) Orchestrator() *transfer.Orchestrator {
	return s.orch
}

func (s *Service) Host() *rtp.Host {
	return s.host
}

// CanAccept reports whether new sessions, legs and transfers are accepted.
func (s *Service) CanAccept() bool {
	return !s.shutdown.IsBroken() && s.mon.CanAccept()
}

// Stop begins shutting down. Without kill, running sessions and transfers finish first.
func (s *Service) Stop(kill bool) {
	s.shutdown.Break()
	s.mon.Shutdown()
	if kill {
		s.kill.Break()
	}
}

// Start opens the control channels and the listeners without blocking.
func (s *Service) Start(ctx context.Context) error {
	s.log.Debugw("starting service", "version", version.Version)

	if s.outbound != nil {
		if err := s.outbound.Listen(s.conf.ESL.Outbound.ListenAddress, s.conf.ESL.Inbound.CommandTimeout); err != nil {
			return err
		}
		s.log.Infow("accepting outbound event socket connections", "addr", s.outbound.Addr().String())
	}
	if s.inbound != nil {
		s.inbound.Start(ctx)
	}

	if s.conf.APIPort > 0 {
		ln, err := net.Listen("tcp", s.conf.APIAddress())
		if err != nil {
			return fmt.Errorf("cannot listen for api: %w", err)
		}
		s.apiSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go s.serve(s.apiSrv, ln, "api")
	}
	if s.conf.PrometheusPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.conf.PrometheusPort))
		if err != nil {
			return fmt.Errorf("cannot listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.promSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go s.serve(s.promSrv, ln, "prometheus")
	}

	go s.eventLoop()
	return nil
}

func (s *Service) serve(srv *http.Server, ln net.Listener, name string) {
	s.log.Infow("http server listening", "server", name, "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorw("http server failed", err, "server", name)
	}
}

// Run starts the service and blocks until it was stopped and drained.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.close()
		return err
	}
	s.log.Debugw("service ready")

	select {
	case <-s.shutdown.Watch():
	case <-ctx.Done():
		s.shutdown.Break()
	}
	s.log.Infow("shutting down")

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for !s.kill.IsBroken() && ctx.Err() == nil && !s.drained() {
		select {
		case <-ticker.C:
		case <-s.kill.Watch():
		case <-ctx.Done():
		}
	}
	s.close()
	return nil
}

func (s *Service) drained() bool {
	sessions, transfers := s.bridge.ActiveSessions(), s.orch.ActiveTransfers()
	if sessions == 0 && transfers == 0 {
		return true
	}
	s.log.Debugw("waiting for calls to finish", "sessions", sessions, "transfers", transfers)
	return false
}

func (s *Service) close() {
	s.stopped.Once(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.apiSrv, s.promSrv} {
			if srv != nil {
				_ = srv.Shutdown(ctx)
			}
		}
		s.orch.Close()
		s.bridge.Close()
		s.host.Close()
		if s.outbound != nil {
			s.outbound.Close()
		}
		if s.inbound != nil {
			s.inbound.Close()
		}
		s.disp.Close()
		if err := s.audit.Close(); err != nil {
			s.log.Warnw("cannot close audit log", err)
		}
		s.log.Infow("service stopped")
	})
}
