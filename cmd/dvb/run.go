package main

import (
	"os"

	"github.com/dvtools/dvbulk/internal/progress"
	"github.com/dvtools/dvbulk/internal/types"
)

// eventBuffer sizes the progress channel. The executor drops snapshots
// rather than block, so a modest buffer is enough.
const eventBuffer = 256

// newReporter starts the progress reporter and returns the event channel
// feeding it. Call the returned stop func after the engine finishes, then
// Summary on the reporter.
func newReporter() (*progress.Reporter, chan types.ProgressEvent, func()) {
	format := progress.FormatHuman
	if jsonOutput {
		format = progress.FormatJSON
	}
	r := progress.New(progress.Options{
		Format:  format,
		Out:     os.Stdout,
		NoColor: noColorFlag,
	})
	events := make(chan types.ProgressEvent, eventBuffer)
	go r.Run(events)
	stop := func() {
		close(events)
		r.Wait()
	}
	return r, events, stop
}

// resultExit maps a migration result to the process exit code.
func resultExit(res *types.MigrationResult) error {
	switch {
	case res == nil:
		return exitWith(exitFailure, nil)
	case res.Cancelled:
		return exitWith(exitFailure, nil)
	case res.Success:
		return nil
	case res.SuccessCount > 0 && res.FailureCount > 0:
		return exitWith(exitPartial, nil)
	default:
		return exitWith(exitFailure, nil)
	}
}
