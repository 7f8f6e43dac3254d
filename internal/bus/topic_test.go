package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"site/+/rack/+/telemetry", "site/a/rack/r1/telemetry", true},
		{"site/+/rack/+/telemetry", "site/a/rack/r1/other", false},
		{"site/+/rack/+/telemetry", "site/a/rack/r1", false},
		{"ctrl/+/receipt", "ctrl/crah-01/receipt", true},
		{"ctrl/+/receipt", "ctrl/crah-01/set", false},
		{"discover/#", "discover/results", true},
		{"discover/#", "discover/raw", true},
		{"discover/#", "discover", true},
		{"discover/#", "ctrl/discover/start", false},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestTelemetryAddress(t *testing.T) {
	site, rack, ok := TelemetryAddress("site/dc-west/rack/r7/telemetry")
	require.True(t, ok)
	assert.Equal(t, "dc-west", site)
	assert.Equal(t, "r7", rack)

	_, _, ok = TelemetryAddress("ctrl/crah-01/receipt")
	assert.False(t, ok)
}

func TestReceiptDevice(t *testing.T) {
	dev, ok := ReceiptDevice("ctrl/crah-01/receipt")
	require.True(t, ok)
	assert.Equal(t, "crah-01", dev)

	_, ok = ReceiptDevice("site/a/rack/r1/telemetry")
	assert.False(t, ok)
}

func TestMemoryBusDelivery(t *testing.T) {
	b := NewMemoryBus()
	var got []string
	require.NoError(t, b.Subscribe(TopicTelemetryPattern, func(_ context.Context, m Message) {
		got = append(got, m.Topic)
	}))

	require.NoError(t, b.Publish(context.Background(), "site/a/rack/r1/telemetry", []byte("{}")))
	require.NoError(t, b.Publish(context.Background(), "ctrl/crah-01/receipt", []byte("{}")))

	require.Len(t, got, 1)
	assert.Equal(t, "site/a/rack/r1/telemetry", got[0])
}

func TestSetTopic(t *testing.T) {
	assert.Equal(t, "ctrl/crah-01/set", SetTopic("crah-01"))
}
