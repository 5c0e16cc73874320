package scheduler

import (
	"b3bench/internal/types"
	"b3bench/pkg/database"
	"context"
	"fmt"
)

// FrontierTracker finds, for every trial, the next cycle to measure.
//
// The next cycle of a measured trial is derived from its latest snapshot time
// divided by the snapshot period, so the period must not change during an
// experiment.
type FrontierTracker struct {
	trials    database.TrialRepository
	snapshots database.SnapshotRepository
	period    int
}

func NewFrontierTracker(trials database.TrialRepository, snapshots database.SnapshotRepository, period int) *FrontierTracker {
	return &FrontierTracker{trials: trials, snapshots: snapshots, period: period}
}

// MaxCycle is the last cycle of a trial running for maxTotalTime seconds.
func MaxCycle(maxTotalTime, period int) int {
	return maxTotalTime / period
}

// UnmeasuredSnapshots returns one request per trial with work left: cycle 1
// for started trials without snapshots, the cycle after the latest snapshot
// for the others, as long as it does not exceed maxCycle.
func (f *FrontierTracker) UnmeasuredSnapshots(ctx context.Context, experiment string, maxCycle int) ([]types.SnapshotRequest, error) {
	fresh, err := f.trials.StartedTrialsWithoutSnapshots(ctx, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to query unmeasured trials: %w", err)
	}
	latest, err := f.snapshots.LatestSnapshots(ctx, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}

	requests := make([]types.SnapshotRequest, 0, len(fresh)+len(latest))
	for _, trial := range fresh {
		if maxCycle < 1 {
			break
		}
		requests = append(requests, types.SnapshotRequest{
			Fuzzer:    trial.Fuzzer,
			Benchmark: trial.Benchmark,
			TrialID:   trial.ID,
			Cycle:     1,
		})
	}
	for _, snapshot := range latest {
		next := int(snapshot.MaxTime/int64(f.period)) + 1
		if next > maxCycle {
			continue
		}
		requests = append(requests, types.SnapshotRequest{
			Fuzzer:    snapshot.Fuzzer,
			Benchmark: snapshot.Benchmark,
			TrialID:   snapshot.TrialID,
			Cycle:     next,
		})
	}
	return requests, nil
}
