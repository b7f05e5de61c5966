package worker

import (
	"context"
	"testing"

	"appfleet/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextState_HappyPath(t *testing.T) {
	ctx := context.Background()
	state := store.JobQueued

	steps := []struct {
		event string
		want  store.JobState
	}{
		{eventStart, store.JobDownloading},
		{eventDownloaded, store.JobDownloaded},
		{eventVerify, store.JobVerifying},
		{eventVerified, store.JobVerified},
		{eventInstall, store.JobInstalling},
		{eventInstallSuccess, store.JobInstallSuccess},
		{eventSucceed, store.JobSucceeded},
	}
	for _, step := range steps {
		next, err := nextState(ctx, state, step.event)
		require.NoError(t, err, "%s from %s", step.event, state)
		require.Equal(t, step.want, next, "%s from %s", step.event, state)
		state = next
	}
}

func TestNextState_InstallRequiresVerified(t *testing.T) {
	ctx := context.Background()
	for _, from := range []store.JobState{
		store.JobQueued, store.JobDownloading, store.JobDownloaded, store.JobVerifying,
	} {
		_, err := nextState(ctx, from, eventInstall)
		assert.Error(t, err, "install allowed from %s", from)
	}
}

func TestNextState_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	events := []string{eventStart, eventFail, eventRetry, eventRestart, eventCancel, eventSucceed}
	for _, from := range []store.JobState{store.JobSucceeded, store.JobFailed, store.JobCancelled} {
		for _, ev := range events {
			_, err := nextState(ctx, from, ev)
			assert.Error(t, err, "%s allowed from terminal %s", ev, from)
		}
	}
}

func TestNextState_PendingResolution(t *testing.T) {
	ctx := context.Background()

	got, err := nextState(ctx, store.JobPendingUserAction, eventSucceed)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, got)

	got, err = nextState(ctx, store.JobPendingUserAction, eventFail)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got)

	_, err = nextState(ctx, store.JobPendingUserAction, eventStart)
	assert.Error(t, err, "a pending job must not start a second session")
}

func TestNextState_RestartFromInterrupted(t *testing.T) {
	ctx := context.Background()
	for _, from := range []store.JobState{
		store.JobDownloading, store.JobDownloaded, store.JobVerifying,
		store.JobVerified, store.JobInstalling, store.JobInstallFailed,
	} {
		assert.True(t, from.Interrupted(), "%s should count as interrupted", from)
		got, err := nextState(ctx, from, eventRestart)
		require.NoError(t, err, "restart from %s", from)
		assert.Equal(t, store.JobQueued, got)
	}
}
