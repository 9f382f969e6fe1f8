package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/triage"
)

// SyncState represents the current state of an account sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	Account     string
	State       SyncState
	LastSync    time.Time
	LastIngest  triage.IngestResult
	LastProcess triage.ProcessResult
	Error       error
}

// Workflow is the part of the triage service the poller drives.
type Workflow interface {
	Ingest(ctx context.Context, creds source.Credentials) (triage.IngestResult, error)
	ProcessAndArchive(ctx context.Context, creds source.Credentials) (triage.ProcessResult, error)
}

// PasswordFunc looks up the IMAP password for an account.
type PasswordFunc func(account string) (string, error)

// syncTimeout bounds a single ingest-and-process cycle for one account.
const syncTimeout = 2 * time.Minute

const defaultInterval = 300 * time.Second

// Poller periodically ingests each configured account and classifies what
// arrived, archiving the non-urgent messages.
type Poller struct {
	svc      Workflow
	password PasswordFunc
	accounts []string
	interval time.Duration
	logger   *zap.Logger

	statuses map[string]*SyncStatus
	triggers map[string]chan struct{}
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// New creates a Poller for accounts. A non-positive interval falls back to
// five minutes.
func New(
	svc Workflow,
	password PasswordFunc,
	accounts []string,
	interval time.Duration,
	logger *zap.Logger,
) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}

	p := &Poller{
		svc:      svc,
		password: password,
		interval: interval,
		logger:   logging.OrNop(logger),
		statuses: make(map[string]*SyncStatus, len(accounts)),
		triggers: make(map[string]chan struct{}, len(accounts)),
		stopCh:   make(chan struct{}),
	}
	for _, acct := range accounts {
		if _, dup := p.statuses[acct]; dup || acct == "" {
			continue
		}
		p.accounts = append(p.accounts, acct)
		p.statuses[acct] = &SyncStatus{Account: acct, State: SyncIdle}
		p.triggers[acct] = make(chan struct{}, 1)
	}
	return p
}

// Start launches one polling goroutine per account. Each account syncs
// immediately and then every interval. Calling Start twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	for _, acct := range p.accounts {
		p.wg.Add(1)
		go p.pollAccount(acct)
	}
	p.logger.Info("poller started",
		zap.Int("accounts", len(p.accounts)),
		zap.Duration("interval", p.interval),
	)
}

// Stop halts all polling goroutines and waits for in-flight syncs.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// RefreshAll triggers an immediate sync of every account.
func (p *Poller) RefreshAll() {
	for _, acct := range p.accounts {
		p.RefreshAccount(acct)
	}
}

// RefreshAccount triggers an immediate sync of one account. It reports
// false for an account the poller does not know.
func (p *Poller) RefreshAccount(account string) bool {
	ch, ok := p.triggers[account]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
		// A sync is already pending.
	}
	return true
}

// RunOnce syncs every account sequentially and returns the first error.
// It does not need Start.
func (p *Poller) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, acct := range p.accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.syncAccount(ctx, acct); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStatuses returns the current sync status of all accounts, ordered by
// account.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Account < statuses[j].Account
	})
	return statuses
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(account string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runScheduled(account)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runScheduled(account)
		case <-p.triggers[account]:
			p.runScheduled(account)
		}
	}
}

func (p *Poller) runScheduled(account string) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Errors are recorded in the account status.
	_ = p.syncAccount(ctx, account)
}

// syncAccount ingests the account and classifies whatever is pending.
// Having no trained model yet is not a failure.
func (p *Poller) syncAccount(ctx context.Context, account string) error {
	log := p.logger.With(zap.String("user", account))
	p.setStatus(account, func(s *SyncStatus) {
		s.State = SyncRunning
		s.Error = nil
	})

	creds, err := p.credentials(account)
	if err != nil {
		log.Error("looking up credentials failed", zap.Error(err))
		p.fail(account, err)
		return err
	}

	ingested, err := p.svc.Ingest(ctx, creds)
	if err != nil {
		if source.IsAuthError(err) {
			log.Warn("authentication failed, update the stored password", zap.Error(err))
		}
		p.fail(account, err)
		return err
	}
	p.setStatus(account, func(s *SyncStatus) { s.LastIngest = ingested })

	processed, err := p.svc.ProcessAndArchive(ctx, creds)
	switch {
	case errors.Is(err, triage.ErrModelNotFound):
		log.Debug("no model trained yet, skipping classification")
	case err != nil:
		log.Error("processing messages failed", zap.Error(err))
		p.fail(account, err)
		return err
	}

	p.setStatus(account, func(s *SyncStatus) {
		s.State = SyncIdle
		s.LastProcess = processed
		s.LastSync = time.Now()
	})
	return nil
}

func (p *Poller) credentials(account string) (source.Credentials, error) {
	if p.password == nil {
		return source.Credentials{}, errors.New("no password lookup configured")
	}
	pw, err := p.password(account)
	if err != nil {
		return source.Credentials{}, fmt.Errorf("password for %s: %w", account, err)
	}
	return source.Credentials{Username: account, Password: pw}, nil
}

func (p *Poller) fail(account string, err error) {
	p.setStatus(account, func(s *SyncStatus) {
		s.State = SyncError
		s.Error = err
	})
}

// setStatus applies update to the status of account under the lock.
func (p *Poller) setStatus(account string, update func(*SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[account]
	if !ok {
		return
	}
	update(status)
}
