package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/triage"
	"github.com/nhle/inbox-triage/internal/urgency"
)

type fakeWorkflow struct {
	mu         gosync.Mutex
	ingested   []source.Credentials
	processed  []string
	trained    []string
	ingestErr  map[string]error
	processErr error
	trainErr   map[string]error
	calls      chan string
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{
		ingestErr: map[string]error{},
		trainErr:  map[string]error{},
		calls:     make(chan string, 64),
	}
}

func (f *fakeWorkflow) Ingest(_ context.Context, creds source.Credentials) (triage.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, creds)
	if err := f.ingestErr[creds.Username]; err != nil {
		return triage.IngestResult{}, err
	}
	return triage.IngestResult{Fetched: 2, Inserted: 1}, nil
}

func (f *fakeWorkflow) ProcessAndArchive(_ context.Context, creds source.Credentials) (triage.ProcessResult, error) {
	f.mu.Lock()
	f.processed = append(f.processed, creds.Username)
	err := f.processErr
	f.mu.Unlock()

	f.calls <- creds.Username
	if err != nil {
		return triage.ProcessResult{}, err
	}
	return triage.ProcessResult{Processed: 1, Archived: 1}, nil
}

func (f *fakeWorkflow) Train(_ context.Context, userID string) (*triage.TrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trained = append(f.trained, userID)
	if err := f.trainErr[userID]; err != nil {
		return nil, err
	}
	return &triage.TrainResult{UserID: userID}, nil
}

func passwords(m map[string]string) PasswordFunc {
	return func(account string) (string, error) {
		pw, ok := m[account]
		if !ok {
			return "", errors.New("not found")
		}
		return pw, nil
	}
}

func waitForCall(t *testing.T, f *fakeWorkflow) string {
	t.Helper()
	select {
	case acct := <-f.calls:
		return acct
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync")
		return ""
	}
}

func TestNewDeduplicatesAccounts(t *testing.T) {
	p := New(newFakeWorkflow(), nil, []string{"b@x", "a@x", "b@x", ""}, 0, nil)

	assert.Equal(t, []string{"b@x", "a@x"}, p.accounts)
	assert.Equal(t, defaultInterval, p.interval)

	statuses := p.GetStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a@x", statuses[0].Account)
	assert.Equal(t, SyncIdle, statuses[0].State)
}

func TestRunOnce(t *testing.T) {
	f := newFakeWorkflow()
	p := New(f, passwords(map[string]string{"a@x": "pa", "b@x": "pb"}), []string{"a@x", "b@x"}, time.Minute, nil)

	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, []source.Credentials{
		{Username: "a@x", Password: "pa"},
		{Username: "b@x", Password: "pb"},
	}, f.ingested)
	assert.Equal(t, []string{"a@x", "b@x"}, f.processed)

	for _, s := range p.GetStatuses() {
		assert.Equal(t, SyncIdle, s.State, s.Account)
		assert.NoError(t, s.Error)
		assert.False(t, s.LastSync.IsZero())
		assert.Equal(t, 1, s.LastIngest.Inserted)
		assert.Equal(t, 1, s.LastProcess.Archived)
	}
}

func TestRunOnceFailuresAreIsolated(t *testing.T) {
	f := newFakeWorkflow()
	f.ingestErr["a@x"] = &source.AuthError{Account: "a@x", Message: "bad password"}
	logger, logs := logging.NewObserved()
	p := New(f, passwords(map[string]string{"a@x": "pa", "b@x": "pb"}), []string{"a@x", "b@x", "c@x"}, time.Minute, logger)

	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))

	// b@x still synced; c@x has no stored password.
	assert.Equal(t, []string{"b@x"}, f.processed)

	statuses := p.GetStatuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, SyncError, statuses[0].State)
	assert.Equal(t, SyncIdle, statuses[1].State)
	assert.Equal(t, SyncError, statuses[2].State)
	assert.ErrorContains(t, statuses[2].Error, "password for c@x")

	assert.Len(t, logs.FilterMessage("authentication failed, update the stored password").All(), 1)
	assert.Len(t, logs.FilterMessage("looking up credentials failed").All(), 1)
}

func TestRunOnceWithoutModel(t *testing.T) {
	f := newFakeWorkflow()
	f.processErr = triage.ErrModelNotFound
	p := New(f, passwords(map[string]string{"a@x": "pa"}), []string{"a@x"}, time.Minute, nil)

	require.NoError(t, p.RunOnce(context.Background()))

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncIdle, statuses[0].State)
	assert.Equal(t, triage.ProcessResult{}, statuses[0].LastProcess)
}

func TestRunOnceWithoutPasswordLookup(t *testing.T) {
	p := New(newFakeWorkflow(), nil, []string{"a@x"}, time.Minute, nil)
	assert.ErrorContains(t, p.RunOnce(context.Background()), "no password lookup configured")
}

func TestStartSyncsImmediatelyAndOnRefresh(t *testing.T) {
	f := newFakeWorkflow()
	p := New(f, passwords(map[string]string{"a@x": "pa"}), []string{"a@x"}, time.Hour, nil)

	p.Start()
	p.Start()
	defer p.Stop()

	assert.Equal(t, "a@x", waitForCall(t, f))

	assert.True(t, p.RefreshAccount("a@x"))
	assert.False(t, p.RefreshAccount("nobody@x"))
	assert.Equal(t, "a@x", waitForCall(t, f))

	p.RefreshAll()
	assert.Equal(t, "a@x", waitForCall(t, f))
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(newFakeWorkflow(), nil, nil, time.Hour, nil)
	p.Stop()
	p.Start()
	p.Stop()
	p.Stop()
}

func TestSchedulerRetrainAll(t *testing.T) {
	f := newFakeWorkflow()
	f.trainErr["b@x"] = urgency.ErrInsufficientData
	f.trainErr["c@x"] = errors.New("disk full")
	logger, logs := logging.NewObserved()

	s, err := NewScheduler("0 3 * * *", f, []string{"a@x", "b@x", "c@x", "d@x"}, logger)
	require.NoError(t, err)

	trained := s.RetrainAll(context.Background())
	assert.Equal(t, 2, trained)
	assert.Equal(t, []string{"a@x", "b@x", "c@x", "d@x"}, f.trained)
	assert.Len(t, logs.FilterMessage("skipping retrain, no history").All(), 1)
	assert.Len(t, logs.FilterMessage("scheduled retrain failed").All(), 1)
}

func TestSchedulerCancelledContext(t *testing.T) {
	f := newFakeWorkflow()
	s, err := NewScheduler("@daily", f, []string{"a@x"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, s.RetrainAll(ctx))
	assert.Empty(t, f.trained)
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler("not a schedule", newFakeWorkflow(), nil, nil)
	assert.ErrorContains(t, err, "invalid train schedule")

	_, err = NewScheduler("@daily", nil, nil, nil)
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", newFakeWorkflow(), nil, nil)
	require.NoError(t, err)
	assert.True(t, s.Next().IsZero())

	s.Start()
	next := s.Next()
	s.Stop()

	assert.False(t, next.IsZero())
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
}
