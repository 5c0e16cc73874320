package types

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
)

// Top-level folders of the experiment filestore and of the measurer's work dir.
const (
	ExperimentFolders  = "experiment-folders"
	MeasurementFolders = "measurement-folders"
)

// TrialDir is the per-trial folder name shared by the experiment and
// measurement trees: "<benchmark>-<fuzzer>/trial-<id>".
func TrialDir(benchmark, fuzzer string, trialID uint) string {
	return path.Join(fmt.Sprintf("%s-%s", benchmark, fuzzer), fmt.Sprintf("trial-%d", trialID))
}

func ExperimentTrialDir(benchmark, fuzzer string, trialID uint) string {
	return path.Join(ExperimentFolders, TrialDir(benchmark, fuzzer, trialID))
}

func CorpusArchivePath(benchmark, fuzzer string, trialID uint, cycle int) string {
	return path.Join(ExperimentTrialDir(benchmark, fuzzer, trialID), "corpus", CorpusArchiveName(cycle))
}

func CorpusArchiveName(cycle int) string {
	return fmt.Sprintf("corpus-archive-%04d.tar.gz", cycle)
}

var corpusArchiveRe = regexp.MustCompile(`^corpus-archive-(\d{4,})\.tar\.gz$`)

// ParseCorpusArchiveName returns the cycle encoded in an archive file name.
func ParseCorpusArchiveName(name string) (int, bool) {
	m := corpusArchiveRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	cycle, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return cycle, true
}

func UnchangedCyclesPath(benchmark, fuzzer string, trialID uint) string {
	return path.Join(ExperimentTrialDir(benchmark, fuzzer, trialID), "results", "unchanged-cycles")
}

func CrashesArchivePath(benchmark, fuzzer string, trialID uint, cycle int) string {
	return path.Join(ExperimentTrialDir(benchmark, fuzzer, trialID), "crashes", fmt.Sprintf("%04d.tar.gz", cycle))
}
