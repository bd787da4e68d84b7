package notify

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscarn/dunder_verticals/internal/config"
)

func TestNoopSwallowsEverything(t *testing.T) {
	require.NoError(t, Noop{}.Notify(context.Background(), "anything"))
}

func TestLogNotifierWritesToLog(t *testing.T) {
	log, hook := test.NewNullLogger()
	n := LogNotifier{Log: log}

	require.NoError(t, n.Notify(context.Background(), "proposal persisted: SPY"))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "proposal persisted: SPY", hook.LastEntry().Message)
}

func TestFromConfigFallsBackToLog(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := &config.Config{}

	n := FromConfig(cfg, log)
	_, ok := n.(LogNotifier)
	assert.True(t, ok)
}
