package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/psrpc"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

func TestNewConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("ESL_PASSWORD", "")
		conf, err := NewConfig("")
		require.NoError(t, err)
		require.Equal(t, DefaultESLAddress, conf.ESL.Inbound.Address)
		require.Equal(t, DefaultESLPassword, conf.ESL.Inbound.Password)
		require.Equal(t, 50, conf.Stream.SendQueueFrames)
		require.Equal(t, 100*time.Millisecond, conf.Stream.Warmup)
		require.Equal(t, 30*time.Second, conf.Transfer.RingTimeout)
		require.Equal(t, 1, conf.Transfer.Retries)
		require.Equal(t, DefaultMusicOnHold, conf.Transfer.MusicOnHold)
		require.True(t, conf.Transfer.PresenceCheck)
		require.Equal(t, ":8090", conf.APIAddress())
	})
	t.Run("yaml", func(t *testing.T) {
		t.Setenv("ESL_PASSWORD", "from-env")
		conf, err := NewConfig(`
api_port: 9000
esl:
  inbound:
    address: 10.0.0.5:8021
  outbound:
    listen_address: 127.0.0.1:9084
stream:
  warmup: 200ms
  playback_buffer: 10s
transfer:
  ring_timeout: 15s
  retries: 3
  presence_check: false
destinations:
  - name: sales
    aliases: [vendas]
    type: ring_group
    number: "2000"
dtmf:
  actions:
    "0": {action: transfer, destination: operator}
    "*": {action: hangup, cause: NORMAL_CLEARING}
audit:
  file: /tmp/transfers.log
`)
		require.NoError(t, err)
		require.Equal(t, 9000, conf.APIPort)
		require.Equal(t, "10.0.0.5:8021", conf.ESL.Inbound.Address)
		require.Equal(t, "from-env", conf.ESL.Inbound.Password)
		require.Equal(t, "127.0.0.1:9084", conf.ESL.Outbound.ListenAddress)
		require.Equal(t, 200*time.Millisecond, conf.Stream.Warmup)
		require.Equal(t, 10*time.Second, conf.Stream.PlaybackBuffer)
		require.Equal(t, 15*time.Second, conf.Transfer.RingTimeout)
		require.Equal(t, 3, conf.Transfer.Retries)
		require.False(t, conf.Transfer.PresenceCheck)
		require.Len(t, conf.Destinations, 1)
		require.Equal(t, []string{"vendas"}, conf.Destinations[0].Aliases)
		require.Equal(t, 100, conf.Audit.MaxSizeMB)
		require.Equal(t, DefaultDTMFDedupe, conf.DTMF.Dedupe)
		require.Equal(t, DTMFAction{Action: DTMFTransfer, Destination: "operator"}, conf.DTMF.Actions["0"])
		require.Equal(t, DTMFHangup, conf.DTMF.Actions["*"].Action)
	})
	t.Run("invalid", func(t *testing.T) {
		for name, body := range map[string]string{
			"syntax":      "stream: [",
			"warmup":      "stream: {warmup: 2s, playback_buffer: 1s}",
			"ports":       "rtp: {port_start: 200, port_end: 100}",
			"no channels": "esl: {inbound: {disabled: true}, outbound: {disabled: true}}",
			"destination": "destinations: [{name: x}]",
			"type":        "destinations: [{name: x, number: '1', type: pager}]",
			"dtmf digit":  "dtmf: {actions: {'12': {action: hangup}}}",
			"dtmf action": "dtmf: {actions: {'1': {action: dance}}}",
			"dtmf dest":   "dtmf: {actions: {'1': {action: transfer}}}",
		} {
			_, err := NewConfig(body)
			require.Error(t, err, name)
			require.Equal(t, psrpc.InvalidArgument, errors.Code(err), name)
		}
	})
}

func TestLoggerFields(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)
	conf.NodeID = "NE_test"
	fields := conf.GetLoggerFields()
	require.Equal(t, "voicebridge", fields["logger"])
	require.Equal(t, "NE_test", fields["nodeID"])
}
