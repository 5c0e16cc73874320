package types

import "fmt"

type BuildKind int

const (
	BuildBaseImages BuildKind = iota // shared base images, no job arguments
	BuildCoverage                    // coverage-instrumented benchmark build
	BuildFuzzer                      // fuzzer x benchmark runner build
)

func (k BuildKind) String() string {
	switch k {
	case BuildBaseImages:
		return "base-images"
	case BuildCoverage:
		return "coverage"
	case BuildFuzzer:
		return "fuzzer"
	default:
		return "unknown"
	}
}

// BuildJob is one node of the build plan. It is comparable so the retry
// runner can use it as its own identity.
type BuildJob struct {
	Kind      BuildKind
	Fuzzer    string
	Benchmark string
}

func (j BuildJob) String() string {
	switch j.Kind {
	case BuildBaseImages:
		return j.Kind.String()
	case BuildCoverage:
		return fmt.Sprintf("coverage-%s", j.Benchmark)
	default:
		return fmt.Sprintf("%s-%s", j.Fuzzer, j.Benchmark)
	}
}
