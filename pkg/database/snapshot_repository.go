package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LatestSnapshot is the newest snapshot time of one trial.
type LatestSnapshot struct {
	TrialID   uint
	Fuzzer    string
	Benchmark string
	MaxTime   int64
}

type SnapshotRepository interface {
	// LatestSnapshots returns, for every trial with at least one snapshot,
	// the highest recorded snapshot time.
	LatestSnapshots(ctx context.Context, experiment string) ([]LatestSnapshot, error)
	// AddSnapshots bulk inserts snapshots. Rows whose (trial, time) already
	// exists are skipped; the number of rows actually inserted is returned.
	AddSnapshots(ctx context.Context, snapshots []Snapshot) (int64, error)
	TrialSnapshots(ctx context.Context, trialID uint) ([]Snapshot, error)
	CountSnapshots(ctx context.Context, experiment string) (int64, error)
}

type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &SnapshotRepositoryImpl{db: db}
}

func (r *SnapshotRepositoryImpl) LatestSnapshots(ctx context.Context, experiment string) ([]LatestSnapshot, error) {
	var latest []LatestSnapshot
	result := r.db.WithContext(ctx).
		Table("snapshots").
		Select("trials.id AS trial_id, trials.fuzzer AS fuzzer, trials.benchmark AS benchmark, MAX(snapshots.time) AS max_time").
		Joins("JOIN trials ON trials.id = snapshots.trial_id").
		Where("trials.experiment = ?", experiment).
		Group("trials.id, trials.fuzzer, trials.benchmark").
		Order("trials.id ASC").
		Scan(&latest)
	if result.Error != nil {
		return nil, result.Error
	}
	return latest, nil
}

func (r *SnapshotRepositoryImpl) AddSnapshots(ctx context.Context, snapshots []Snapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&snapshots)
	return result.RowsAffected, result.Error
}

func (r *SnapshotRepositoryImpl) TrialSnapshots(ctx context.Context, trialID uint) ([]Snapshot, error) {
	var snapshots []Snapshot
	result := r.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("time ASC").
		Find(&snapshots)
	if result.Error != nil {
		return nil, result.Error
	}
	return snapshots, nil
}

func (r *SnapshotRepositoryImpl) CountSnapshots(ctx context.Context, experiment string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Table("snapshots").
		Joins("JOIN trials ON trials.id = snapshots.trial_id").
		Where("trials.experiment = ?", experiment).
		Count(&count)
	return count, result.Error
}
