package database

import (
	"time"
)

// Trial is one fuzzer-vs-benchmark run inside an experiment.
type Trial struct {
	ID          uint       `gorm:"primaryKey;column:id"`
	Experiment  string     `gorm:"column:experiment;not null;index"`
	Fuzzer      string     `gorm:"column:fuzzer;not null"`
	Benchmark   string     `gorm:"column:benchmark;not null"`
	TimeStarted *time.Time `gorm:"column:time_started"`
	TimeEnded   *time.Time `gorm:"column:time_ended"`
	Preemptible bool       `gorm:"column:preemptible;not null;default:false"`
	Preempted   bool       `gorm:"column:preempted;not null;default:false"`
}

func (Trial) TableName() string { return "trials" }

// Snapshot is one coverage measurement. Time is the elapsed fuzzing time in
// seconds, always a multiple of the snapshot period.
type Snapshot struct {
	TrialID      uint      `gorm:"primaryKey;column:trial_id;autoIncrement:false"`
	Time         int64     `gorm:"primaryKey;column:time;autoIncrement:false"`
	EdgesCovered int64     `gorm:"column:edges_covered;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (Snapshot) TableName() string { return "snapshots" }

func NewTrial(experiment, fuzzer, benchmark string, preemptible bool) *Trial {
	return &Trial{
		Experiment:  experiment,
		Fuzzer:      fuzzer,
		Benchmark:   benchmark,
		Preemptible: preemptible,
	}
}

func NewSnapshot(trialID uint, cycle int, period int, edges int64) Snapshot {
	return Snapshot{
		TrialID:      trialID,
		Time:         int64(cycle) * int64(period),
		EdgesCovered: edges,
		CreatedAt:    time.Now(),
	}
}
