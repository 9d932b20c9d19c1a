package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
)

// JobSource hands the Service the jobs to run on the next tick.
type JobSource interface {
	Jobs() []Job
}

// StaticJobs is a fixed job list.
type StaticJobs []Job

// Jobs implements JobSource.
func (s StaticJobs) Jobs() []Job { return s }

// TargetStatus is what the Service knows about a target after its latest round.
type TargetStatus struct {
	Target            cursor.Target
	Cursor            cursor.Value
	LastRound         time.Time
	Rounds            int
	PermanentlyMissed int
	LastError         error
	// Halted targets are skipped until their job definition changes.
	Halted bool
}

// Service polls every job on a fixed interval
type Service struct {
	synchronizer    *Synchronizer
	jobs            JobSource
	pollingInterval time.Duration
	concurrency     int

	mu     stdsync.Mutex
	status map[string]*TargetStatus
	halted map[string]Job
}

// NewService creates a new polling service. concurrency bounds how many targets run at once;
// zero or less means no limit.
func NewService(synchronizer *Synchronizer, jobs JobSource, pollingInterval time.Duration, concurrency int) *Service {
	return &Service{
		synchronizer:    synchronizer,
		jobs:            jobs,
		pollingInterval: pollingInterval,
		concurrency:     concurrency,
		status:          make(map[string]*TargetStatus),
		halted:          make(map[string]Job),
	}
}

// Start runs a round immediately and then on every tick until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	logrus.WithField("interval", s.pollingInterval).Info("Starting alfresco_sync polling")

	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			logrus.WithError(err).Debug("Polling round finished with errors")
		}
		select {
		case <-ctx.Done():
			logrus.Info("Synchronization stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs one round for every job that is not halted and returns the joined errors.
func (s *Service) RunOnce(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   stdsync.Mutex
		errs []error
	)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	for _, job := range s.jobs.Jobs() {
		if s.isHalted(job) {
			logrus.WithField("target", job.Target.Key()).Debug("Skipping halted target")
			continue
		}
		g.Go(func() error {
			if err := s.runJob(ctx, job); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", job.Target.Key(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	logger := logrus.WithField("target", job.Target.Key())

	if err := job.Validate(); err != nil {
		s.record(job, nil, err)
		logger.WithError(err).Error("Invalid job, halting target")
		return err
	}

	report, err := s.synchronizer.Synchronize(ctx, job.Target, job.Filter, job.MaxBatch)
	s.record(job, report, err)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrCursorRegression), errors.Is(err, ErrConfigurationInvalid):
		logger.WithError(err).Error("Halting target")
	case errors.Is(err, ErrRepositoryUnavailable):
		logger.WithError(err).Warn("Repository unavailable, retrying on next tick")
	default:
		logger.WithError(err).Error("Round failed, retrying on next tick")
	}
	return err
}

func (s *Service) record(job Job, report *Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Target.Key()
	st, ok := s.status[key]
	if !ok {
		st = &TargetStatus{Target: job.Target}
		s.status[key] = st
	}
	st.LastRound = time.Now()
	st.Rounds++
	st.LastError = err
	if report != nil {
		st.Cursor = report.Cursor
		st.PermanentlyMissed += report.PermanentlyMissed
	}
	if errors.Is(err, ErrCursorRegression) || errors.Is(err, ErrConfigurationInvalid) {
		st.Halted = true
		s.halted[key] = job
	}
}

func (s *Service) isHalted(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Target.Key()
	prev, ok := s.halted[key]
	if !ok {
		return false
	}
	if prev.MaxBatch == job.MaxBatch && reflect.DeepEqual(prev.Filter.Predicates(), job.Filter.Predicates()) {
		return true
	}
	delete(s.halted, key)
	if st, ok := s.status[key]; ok {
		st.Halted = false
	}
	logrus.WithField("target", key).Info("Job definition changed, resuming halted target")
	return false
}

// Status returns a snapshot of every target that ran at least once.
func (s *Service) Status() map[string]TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]TargetStatus, len(s.status))
	for key, st := range s.status {
		out[key] = *st
	}
	return out
}
