package redisstreams

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAdapterAppliesDefaults(t *testing.T) {
	a, err := NewAdapter(Config{})
	require.NoError(t, err)

	require.Equal(t, "saga:", a.cfg.StreamPrefix)
	require.NotEmpty(t, a.cfg.ConsumerName)
	require.Equal(t, 5*time.Second, a.cfg.BlockTimeout)
	require.Equal(t, int64(10), a.cfg.ReadCount)
	require.Equal(t, 30*time.Second, a.cfg.ClaimMinIdle)
	require.Equal(t, 256, cap(a.inflight))
	require.True(t, a.ownClient)
}

func TestNewAdapterHonorsExplicitConfig(t *testing.T) {
	a, err := NewAdapter(Config{
		StreamPrefix:       "onboarding:",
		ConsumerName:       "consumer-1",
		MaxInFlightPublish: 8,
	})
	require.NoError(t, err)

	require.Equal(t, "onboarding:", a.cfg.StreamPrefix)
	require.Equal(t, "consumer-1", a.cfg.ConsumerName)
	require.Equal(t, 8, cap(a.inflight))
}

func TestStreamName(t *testing.T) {
	a, err := NewAdapter(Config{StreamPrefix: "saga:"})
	require.NoError(t, err)
	require.Equal(t, "saga:partner-events", a.streamName("partner-events"))
}

func TestRegKeyIsStablePerTopicAndSubscription(t *testing.T) {
	k1 := regKey("partner-events", "coordinator")
	k2 := regKey("partner-events", "audit-projection")
	k3 := regKey("contract-events", "coordinator")

	require.NotEqual(t, k1, k2)
	require.NotEqual(t, k1, k3)
	require.Equal(t, regKey("partner-events", "coordinator"), k1)
}
