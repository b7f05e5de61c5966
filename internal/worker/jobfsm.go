package worker

import (
	"context"
	"fmt"

	"appfleet/internal/store"

	"github.com/looplab/fsm"
)

// Job lifecycle events.
const (
	eventStart          = "start"
	eventDownloaded     = "downloaded"
	eventVerify         = "verify"
	eventVerified       = "verified"
	eventInstall        = "install"
	eventInstallSuccess = "install_success"
	eventInstallPending = "install_pending"
	eventInstallFailed  = "install_failed"
	eventSucceed        = "succeed"
	eventFail           = "fail"
	eventRetry          = "retry"
	eventRestart        = "restart"
	eventCancel         = "cancel"
)

func states(s ...store.JobState) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = string(st)
	}
	return out
}

// jobTransitions is the only way a job changes state. INSTALLING can only be
// entered from VERIFIED.
var jobTransitions = fsm.Events{
	{Name: eventStart, Src: states(store.JobQueued), Dst: string(store.JobDownloading)},
	{Name: eventDownloaded, Src: states(store.JobDownloading), Dst: string(store.JobDownloaded)},
	{Name: eventVerify, Src: states(store.JobDownloaded), Dst: string(store.JobVerifying)},
	{Name: eventVerified, Src: states(store.JobVerifying), Dst: string(store.JobVerified)},
	{Name: eventInstall, Src: states(store.JobVerified), Dst: string(store.JobInstalling)},
	{Name: eventInstallSuccess, Src: states(store.JobInstalling), Dst: string(store.JobInstallSuccess)},
	{Name: eventInstallPending, Src: states(store.JobInstalling), Dst: string(store.JobPendingUserAction)},
	{Name: eventInstallFailed, Src: states(store.JobInstalling), Dst: string(store.JobInstallFailed)},
	{Name: eventSucceed, Src: states(store.JobInstallSuccess, store.JobPendingUserAction), Dst: string(store.JobSucceeded)},
	{
		Name: eventFail,
		Src: states(store.JobDownloading, store.JobDownloaded, store.JobVerifying, store.JobVerified,
			store.JobInstallFailed, store.JobPendingUserAction),
		Dst: string(store.JobFailed),
	},
	{
		Name: eventRetry,
		Src:  states(store.JobDownloading, store.JobVerifying, store.JobVerified, store.JobInstallFailed),
		Dst:  string(store.JobQueued),
	},
	{
		Name: eventRestart,
		Src: states(store.JobDownloading, store.JobDownloaded, store.JobVerifying, store.JobVerified,
			store.JobInstalling, store.JobInstallFailed),
		Dst: string(store.JobQueued),
	},
	{
		Name: eventCancel,
		Src: states(store.JobQueued, store.JobDownloading, store.JobDownloaded, store.JobVerifying,
			store.JobVerified, store.JobInstallFailed, store.JobPendingUserAction),
		Dst: string(store.JobCancelled),
	},
}

// nextState returns the state event leads to from current, or an error when
// the lifecycle does not allow it.
func nextState(ctx context.Context, current store.JobState, event string) (store.JobState, error) {
	m := fsm.NewFSM(string(current), jobTransitions, fsm.Callbacks{})
	if err := m.Event(ctx, event); err != nil {
		return current, fmt.Errorf("job cannot %s from %s: %w", event, current, err)
	}
	return store.JobState(m.Current()), nil
}
