package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/triage"
	"github.com/nhle/inbox-triage/internal/urgency"
)

// Trainer retrains one user's model.
type Trainer interface {
	Train(ctx context.Context, userID string) (*triage.TrainResult, error)
}

// trainTimeout bounds one scheduled retrain of all accounts.
const trainTimeout = 10 * time.Minute

// Scheduler retrains every account's model on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	jobID    cron.EntryID
	svc      Trainer
	accounts []string
	logger   *zap.Logger
}

// NewScheduler parses schedule, a standard five-field cron expression, and
// registers the retrain job. The job does not run until Start.
func NewScheduler(schedule string, svc Trainer, accounts []string, logger *zap.Logger) (*Scheduler, error) {
	if svc == nil {
		return nil, errors.New("trainer must not be nil")
	}

	s := &Scheduler{
		cron:     cron.New(),
		svc:      svc,
		accounts: accounts,
		logger:   logging.OrNop(logger),
	}

	id, err := s.cron.AddFunc(schedule, s.job)
	if err != nil {
		return nil, fmt.Errorf("invalid train schedule %q: %w", schedule, err)
	}
	s.jobID = id
	return s, nil
}

// Start begins cron execution.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("training scheduler started", zap.Time("next_run", s.Next()))
}

// Stop stops the scheduler and waits for a running retrain to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Next reports when the retrain job fires next. It is the zero time until
// the scheduler has been started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.jobID).Next
}

func (s *Scheduler) job() {
	ctx, cancel := context.WithTimeout(context.Background(), trainTimeout)
	defer cancel()
	s.RetrainAll(ctx)
}

// RetrainAll trains every account in turn and returns how many models were
// replaced. Accounts without history are skipped; other failures are
// logged and do not stop the remaining accounts.
func (s *Scheduler) RetrainAll(ctx context.Context) int {
	trained := 0
	for _, acct := range s.accounts {
		if ctx.Err() != nil {
			break
		}

		_, err := s.svc.Train(ctx, acct)
		switch {
		case errors.Is(err, urgency.ErrInsufficientData):
			s.logger.Info("skipping retrain, no history", zap.String("user", acct))
		case err != nil:
			s.logger.Error("scheduled retrain failed", zap.String("user", acct), zap.Error(err))
		default:
			trained++
		}
	}
	return trained
}
