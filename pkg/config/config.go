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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
	"github.com/livekit/psrpc"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

const (
	DefaultAPIPort       = 8090
	DefaultESLAddress    = "127.0.0.1:8021"
	DefaultESLPassword   = "ClueCon"
	DefaultOutboundAddr  = "0.0.0.0:8084"
	DefaultRTPPortStart  = 10000
	DefaultRTPPortEnd    = 20000
	DefaultMusicOnHold   = "local_stream://moh"
	DefaultTransferCtx   = "default"
	DefaultRingTimeout   = 30 * time.Second
	DefaultRetryDelay    = 2 * time.Second
	DefaultPingInterval  = 20 * time.Second
	DefaultWarmup        = 100 * time.Millisecond
	DefaultPlaybackLimit = 20 * time.Second
	DefaultDTMFDedupe    = 300 * time.Millisecond
)

// Digit actions.
const (
	DTMFTransfer = "transfer"
	DTMFHangup   = "hangup"
)

type Config struct {
	Logging        logger.Config `yaml:"logging"`
	PrometheusPort uint32        `yaml:"prometheus_port"`
	APIPort        int           `yaml:"api_port"`
	APIBindAddress string        `yaml:"api_bind_address"`

	ESL          ESLConfig           `yaml:"esl"`
	RTP          RTPConfig           `yaml:"rtp"`
	Stream       StreamConfig        `yaml:"stream"`
	Transfer     TransferConfig      `yaml:"transfer"`
	Destinations []DestinationConfig `yaml:"destinations"`
	DTMF         DTMFConfig          `yaml:"dtmf"`
	Audit        AuditConfig         `yaml:"audit"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string `yaml:"-"` // Do not provide, will be overwritten
}

type ESLConfig struct {
	Inbound  ESLInboundConfig  `yaml:"inbound"`
	Outbound ESLOutboundConfig `yaml:"outbound"`
}

// ESLInboundConfig is the authenticated connection the service opens towards the switch.
type ESLInboundConfig struct {
	Disabled       bool          `yaml:"disabled"`
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password"` // env ESL_PASSWORD
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// ESLOutboundConfig is the listener the switch connects to for each call.
type ESLOutboundConfig struct {
	Disabled      bool   `yaml:"disabled"`
	ListenAddress string `yaml:"listen_address"`
}

type RTPConfig struct {
	PortStart           int           `yaml:"port_start"`
	PortEnd             int           `yaml:"port_end"`
	ListenIP            string        `yaml:"listen_ip"`
	MediaTimeout        time.Duration `yaml:"media_timeout"`
	MediaTimeoutInitial time.Duration `yaml:"media_timeout_initial"`
	JitterFrames        int           `yaml:"jitter_frames"`
}

type StreamConfig struct {
	SendQueueFrames  int           `yaml:"send_queue_frames"`
	ControlQueue     int           `yaml:"control_queue"`
	EventQueue       int           `yaml:"event_queue"`
	PlaybackBuffer   time.Duration `yaml:"playback_buffer"`
	Warmup           time.Duration `yaml:"warmup"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type TransferConfig struct {
	RingTimeout   time.Duration `yaml:"ring_timeout"`
	Retries       int           `yaml:"retries"` // total dial attempts
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MusicOnHold   string        `yaml:"music_on_hold"`
	Context       string        `yaml:"context"`
	Gateway       string        `yaml:"gateway"`
	PresenceCheck bool          `yaml:"presence_check"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheSize     int           `yaml:"cache_size"`
}

type DestinationConfig struct {
	Domain      string        `yaml:"domain"`
	Name        string        `yaml:"name"`
	Aliases     []string      `yaml:"aliases"`
	Type        string        `yaml:"type"`
	Number      string        `yaml:"number"`
	Context     string        `yaml:"context"`
	Gateway     string        `yaml:"gateway"`
	RingTimeout time.Duration `yaml:"ring_timeout"`
	Retries     int           `yaml:"retries"`
}

// DTMFConfig maps caller digits to actions. Digits without an action are only
// forwarded to the attached stream session.
type DTMFConfig struct {
	// Dedupe drops a repeat of the same digit on a leg within this window, since the
	// switch event and the RTP telephone-event usually both arrive.
	Dedupe  time.Duration         `yaml:"dedupe"`
	Actions map[string]DTMFAction `yaml:"actions"`
}

type DTMFAction struct {
	Action      string `yaml:"action"` // transfer or hangup
	Destination string `yaml:"destination"`
	Domain      string `yaml:"domain"`
	Cause       string `yaml:"cause"`
}

type AuditConfig struct {
	File       string `yaml:"file"` // empty disables the audit trail
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		ServiceName: "voicebridge",
		APIPort:     DefaultAPIPort,
		ESL: ESLConfig{
			Inbound: ESLInboundConfig{
				Address:  DefaultESLAddress,
				Password: os.Getenv("ESL_PASSWORD"),
			},
			Outbound: ESLOutboundConfig{
				ListenAddress: DefaultOutboundAddr,
			},
		},
		Transfer: TransferConfig{
			PresenceCheck: true,
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	conf.setDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) setDefaults() {
	if c.ESL.Inbound.Password == "" {
		c.ESL.Inbound.Password = DefaultESLPassword
	}
	if c.ESL.Inbound.DialTimeout <= 0 {
		c.ESL.Inbound.DialTimeout = 5 * time.Second
	}
	if c.ESL.Inbound.CommandTimeout <= 0 {
		c.ESL.Inbound.CommandTimeout = 10 * time.Second
	}
	if c.ESL.Inbound.ReconnectDelay <= 0 {
		c.ESL.Inbound.ReconnectDelay = 3 * time.Second
	}
	if c.RTP.PortStart == 0 && c.RTP.PortEnd == 0 {
		c.RTP.PortStart, c.RTP.PortEnd = DefaultRTPPortStart, DefaultRTPPortEnd
	}
	if c.RTP.MediaTimeout <= 0 {
		c.RTP.MediaTimeout = 15 * time.Second
	}
	if c.RTP.MediaTimeoutInitial <= 0 {
		c.RTP.MediaTimeoutInitial = 30 * time.Second
	}
	if c.RTP.JitterFrames <= 0 {
		c.RTP.JitterFrames = 5
	}
	s := &c.Stream
	if s.SendQueueFrames <= 0 {
		s.SendQueueFrames = 50
	}
	if s.ControlQueue <= 0 {
		s.ControlQueue = 16
	}
	if s.EventQueue <= 0 {
		s.EventQueue = 64
	}
	if s.PlaybackBuffer <= 0 {
		s.PlaybackBuffer = DefaultPlaybackLimit
	}
	if s.Warmup <= 0 {
		s.Warmup = DefaultWarmup
	}
	if s.PingInterval <= 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 5 * time.Second
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	tr := &c.Transfer
	if tr.RingTimeout <= 0 {
		tr.RingTimeout = DefaultRingTimeout
	}
	if tr.Retries <= 0 {
		tr.Retries = 1
	}
	if tr.RetryDelay <= 0 {
		tr.RetryDelay = DefaultRetryDelay
	}
	if tr.MusicOnHold == "" {
		tr.MusicOnHold = DefaultMusicOnHold
	}
	if tr.Context == "" {
		tr.Context = DefaultTransferCtx
	}
	if tr.CacheTTL <= 0 {
		tr.CacheTTL = 5 * time.Minute
	}
	if tr.CacheSize <= 0 {
		tr.CacheSize = 128
	}
	if c.DTMF.Dedupe <= 0 {
		c.DTMF.Dedupe = DefaultDTMFDedupe
	}
	if c.Audit.File != "" {
		if c.Audit.MaxSizeMB <= 0 {
			c.Audit.MaxSizeMB = 100
		}
		if c.Audit.MaxBackups <= 0 {
			c.Audit.MaxBackups = 5
		}
		if c.Audit.MaxAgeDays <= 0 {
			c.Audit.MaxAgeDays = 30
		}
	}
}

func (c *Config) validate() error {
	if c.RTP.PortStart > c.RTP.PortEnd {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "invalid rtp port range %d-%d", c.RTP.PortStart, c.RTP.PortEnd)
	}
	if c.Stream.Warmup >= c.Stream.PlaybackBuffer {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "stream warmup (%v) must be shorter than the playback buffer (%v)", c.Stream.Warmup, c.Stream.PlaybackBuffer)
	}
	if c.ESL.Inbound.Disabled && c.ESL.Outbound.Disabled {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "at least one esl channel must be enabled")
	}
	for i, d := range c.Destinations {
		if d.Name == "" || d.Number == "" {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "destination %d: name and number are required", i)
		}
		switch d.Type {
		case "", "extension", "ring_group", "queue", "voicemail", "external":
		default:
			return psrpc.NewErrorf(psrpc.InvalidArgument, "destination %q: unknown type %q", d.Name, d.Type)
		}
	}
	for digit, a := range c.DTMF.Actions {
		if len(digit) != 1 || !strings.Contains("0123456789*#abcdABCD", digit) {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "dtmf: invalid digit %q", digit)
		}
		switch a.Action {
		case DTMFTransfer:
			if a.Destination == "" {
				return psrpc.NewErrorf(psrpc.InvalidArgument, "dtmf %s: transfer requires a destination", digit)
			}
		case DTMFHangup:
		default:
			return psrpc.NewErrorf(psrpc.InvalidArgument, "dtmf %s: unknown action %q", digit, a.Action)
		}
	}
	return nil
}

func (c *Config) Init() error {
	c.NodeID = guid.New("NE_")

	if err := c.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}

// To use with logrus
func (c *Config) GetLoggerFields() logrus.Fields {
	fields := logrus.Fields{
		"logger": c.ServiceName,
	}
	v := c.GetLoggerValues()
	for i := 0; i < len(v); i += 2 {
		fields[v[i].(string)] = v[i+1]
	}

	return fields
}

// APIAddress is the listen address of the command API.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.APIBindAddress, c.APIPort)
}
