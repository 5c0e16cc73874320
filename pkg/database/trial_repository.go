package database

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type TrialRepository interface {
	// CreateTrials inserts every trial in one transaction and fills in their IDs.
	CreateTrials(ctx context.Context, trials []*Trial) error
	GetTrial(ctx context.Context, id uint) (*Trial, error)
	ListTrials(ctx context.Context, experiment string) ([]Trial, error)
	// StartedTrialsWithoutSnapshots returns the started, non-preempted trials
	// that have no snapshot yet.
	StartedTrialsWithoutSnapshots(ctx context.Context, experiment string) ([]Trial, error)
	// AllTrialsEnded reports whether no trial of the experiment can produce
	// more corpus: every trial has ended or was preempted.
	AllTrialsEnded(ctx context.Context, experiment string) (bool, error)
	MarkStarted(ctx context.Context, id uint, at time.Time) error
	MarkEnded(ctx context.Context, id uint, at time.Time) error
	MarkPreempted(ctx context.Context, id uint) error
}

type TrialRepositoryImpl struct {
	db *gorm.DB
}

func NewTrialRepository(db *gorm.DB) TrialRepository {
	return &TrialRepositoryImpl{db: db}
}

func (r *TrialRepositoryImpl) CreateTrials(ctx context.Context, trials []*Trial) error {
	if len(trials) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(trials).Error
	})
}

func (r *TrialRepositoryImpl) GetTrial(ctx context.Context, id uint) (*Trial, error) {
	var trial Trial
	if err := r.db.WithContext(ctx).First(&trial, id).Error; err != nil {
		return nil, err
	}
	return &trial, nil
}

func (r *TrialRepositoryImpl) ListTrials(ctx context.Context, experiment string) ([]Trial, error) {
	var trials []Trial
	result := r.db.WithContext(ctx).
		Where("experiment = ?", experiment).
		Order("id ASC").
		Find(&trials)
	if result.Error != nil {
		return nil, result.Error
	}
	return trials, nil
}

func (r *TrialRepositoryImpl) StartedTrialsWithoutSnapshots(ctx context.Context, experiment string) ([]Trial, error) {
	var trials []Trial
	result := r.db.WithContext(ctx).
		Where("trials.experiment = ? AND trials.time_started IS NOT NULL AND trials.preempted = ?", experiment, false).
		Where("NOT EXISTS (SELECT 1 FROM snapshots WHERE snapshots.trial_id = trials.id)").
		Order("trials.id ASC").
		Find(&trials)
	if result.Error != nil {
		return nil, result.Error
	}
	return trials, nil
}

func (r *TrialRepositoryImpl) AllTrialsEnded(ctx context.Context, experiment string) (bool, error) {
	var running int64
	result := r.db.WithContext(ctx).Model(&Trial{}).
		Where("experiment = ? AND time_ended IS NULL AND preempted = ?", experiment, false).
		Count(&running)
	if result.Error != nil {
		return false, result.Error
	}
	return running == 0, nil
}

func (r *TrialRepositoryImpl) MarkStarted(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Trial{}).
		Where("id = ? AND time_started IS NULL", id).
		Update("time_started", at).Error
}

func (r *TrialRepositoryImpl) MarkEnded(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Trial{}).
		Where("id = ?", id).
		Update("time_ended", at).Error
}

func (r *TrialRepositoryImpl) MarkPreempted(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&Trial{}).
		Where("id = ?", id).
		Update("preempted", true).Error
}
