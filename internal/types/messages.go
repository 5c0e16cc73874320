package types

import "fmt"

// TrialMessage announces a freshly created trial to the runner pool.
type TrialMessage struct {
	TrialID     uint   `json:"trial_id"`
	Experiment  string `json:"experiment"`
	Fuzzer      string `json:"fuzzer"`
	Benchmark   string `json:"benchmark"`
	Preemptible bool   `json:"preemptible"`
}

// SnapshotRequest asks for the coverage of one trial at one cycle.
type SnapshotRequest struct {
	Fuzzer    string
	Benchmark string
	TrialID   uint
	Cycle     int
}

func (r SnapshotRequest) String() string {
	return fmt.Sprintf("%s-%s/trial-%d@%d", r.Benchmark, r.Fuzzer, r.TrialID, r.Cycle)
}

// Pair is a (fuzzer, benchmark) combination.
type Pair struct {
	Fuzzer    string
	Benchmark string
}

// TrialQueueName is the queue runners consume TrialMessage from.
const TrialQueueName = "trial_queue"
