package triage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/modelstore"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/testutil"
	"github.com/nhle/inbox-triage/internal/urgency"
)

const user = "alice@example.com"

type fakeMailbox struct {
	mu          sync.Mutex
	messages    []source.Message
	fetchErr    error
	archiveErrs  map[string]error
	archiveDelay time.Duration
	archived     []string
}

func (f *fakeMailbox) ValidateConnection(context.Context) (string, error) {
	return user, nil
}

func (f *fakeMailbox) FetchMessages(_ context.Context, opts source.FetchOptions) ([]source.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msgs := f.messages
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	return msgs, nil
}

func (f *fakeMailbox) Archive(_ context.Context, messageID string) error {
	time.Sleep(f.archiveDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.archiveErrs[messageID]; err != nil {
		return err
	}
	f.archived = append(f.archived, messageID)
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.SQLiteStore
	models  *modelstore.FileStore
	mailbox *fakeMailbox
	opened  []source.Credentials
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	models, err := modelstore.NewFileStore(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)

	f := &fixture{
		store:   testutil.NewTestStore(t),
		models:  models,
		mailbox: &fakeMailbox{archiveErrs: map[string]error{}},
	}
	open := func(creds source.Credentials) source.Mailbox {
		f.opened = append(f.opened, creds)
		return f.mailbox
	}
	f.svc = NewService(f.store, f.models, open, opts...)
	return f
}

func creds() source.Credentials {
	return source.Credentials{Username: user, Password: "app-password"}
}

// seedHistory ingests three messages and reports reading behavior for
// them: two read at length, one never opened.
func (f *fixture) seedHistory(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.mailbox.messages = []source.Message{
		{MessageID: "1", Subject: "Server outage", Body: "production database is down"},
		{MessageID: "2", Subject: "Contract review", Body: "please sign before friday"},
		{MessageID: "3", Subject: "Weekly newsletter", Body: "ten tips for better sleep"},
	}
	_, err := f.svc.Ingest(ctx, creds())
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateMetrics(ctx, user, "1", true, 42))
	require.NoError(t, f.svc.UpdateMetrics(ctx, user, "2", true, 12))
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithFetchLimit(2))
	f.mailbox.messages = []source.Message{
		{MessageID: "1", Subject: "old"},
		{MessageID: "2", Subject: "newer", Body: "b", Seen: true},
		{MessageID: "3", Subject: "newest"},
	}

	res, err := f.svc.Ingest(ctx, creds())
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Fetched: 2, Inserted: 2}, res)
	require.Len(t, f.opened, 1)
	assert.Equal(t, creds(), f.opened[0])

	m, err := f.store.GetMessage(ctx, user, "2")
	require.NoError(t, err)
	assert.Equal(t, "newer", m.Subject)
	assert.False(t, m.WasRead)
	assert.Zero(t, m.ReadingDurationSeconds)
	assert.Nil(t, m.IsUrgent)

	t.Run("re-ingest keeps metrics", func(t *testing.T) {
		require.NoError(t, f.svc.UpdateMetrics(ctx, user, "2", true, 30))

		res, err := f.svc.Ingest(ctx, creds())
		require.NoError(t, err)
		assert.Equal(t, IngestResult{Fetched: 2, Inserted: 0}, res)

		m, err := f.store.GetMessage(ctx, user, "2")
		require.NoError(t, err)
		assert.True(t, m.WasRead)
		assert.Equal(t, 30.0, m.ReadingDurationSeconds)
	})

	t.Run("auth failure is surfaced", func(t *testing.T) {
		f.mailbox.fetchErr = &source.AuthError{Account: user, Message: "bad password"}
		defer func() { f.mailbox.fetchErr = nil }()

		_, err := f.svc.Ingest(ctx, creds())
		require.Error(t, err)
		assert.True(t, source.IsAuthError(err))
	})
}

func TestIngestWithoutMailbox(t *testing.T) {
	models, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc := NewService(testutil.NewTestStore(t), models, nil)

	_, err = svc.Ingest(context.Background(), creds())
	assert.Error(t, err)
}

func TestUpdateMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedHistory(t)

	err := f.svc.UpdateMetrics(ctx, user, "missing", true, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.svc.UpdateMetrics(ctx, "bob@example.com", "1", true, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.svc.UpdateMetrics(ctx, user, "1", true, -1)
	assert.ErrorIs(t, err, ErrInvalidMetrics)
}

func TestTrain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	logger, logs := logging.NewObserved()
	f := newFixture(t, WithLogger(logger), WithClock(func() time.Time { return now }))

	t.Run("no history", func(t *testing.T) {
		res, err := f.svc.Train(ctx, user)
		assert.ErrorIs(t, err, urgency.ErrInsufficientData)
		assert.Nil(t, res)

		_, found, err := f.models.Load(user)
		require.NoError(t, err)
		assert.False(t, found)
	})

	f.seedHistory(t)

	res, err := f.svc.Train(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, res.UserID)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 2, res.Positives)
	assert.Equal(t, now, res.TrainedAt)
	assert.NotEmpty(t, res.Version)

	a, found, err := f.models.Load(user)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Version, a.Version())

	entries := logs.FilterMessage("trained model").All()
	require.Len(t, entries, 1)
	assert.Equal(t, user, entries[0].ContextMap()["user"])
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

	t.Run("retraining replaces the artifact", func(t *testing.T) {
		again, err := f.svc.Train(ctx, user)
		require.NoError(t, err)
		assert.NotEqual(t, res.Version, again.Version)

		a, _, err := f.models.Load(user)
		require.NoError(t, err)
		assert.Equal(t, again.Version, a.Version())
	})
}

func TestProcessAndArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a model", func(t *testing.T) {
		f := newFixture(t)
		f.seedHistory(t)

		_, err := f.svc.ProcessAndArchive(ctx, creds())
		assert.ErrorIs(t, err, ErrModelNotFound)

		pending, err := f.store.GetMessages(ctx, store.MessageFilter{UserID: user, Unclassified: true})
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})

	t.Run("classifies and archives", func(t *testing.T) {
		f := newFixture(t)
		f.seedHistory(t)
		_, err := f.svc.Train(ctx, user)
		require.NoError(t, err)

		a, _, err := f.models.Load(user)
		require.NoError(t, err)

		res, err := f.svc.ProcessAndArchive(ctx, creds())
		require.NoError(t, err)
		assert.Equal(t, 3, res.Processed)
		assert.Equal(t, res.Processed, res.Urgent+res.Archived+res.ArchiveFailed)
		assert.Zero(t, res.ArchiveFailed)

		all, err := f.store.GetMessages(ctx, store.MessageFilter{UserID: user})
		require.NoError(t, err)
		var wantArchived []string
		for _, m := range all {
			require.NotNil(t, m.IsUrgent, m.MessageID)
			want := a.Predict(urgency.Message{
				Subject:                m.Subject,
				Body:                   m.Body,
				WasRead:                m.WasRead,
				ReadingDurationSeconds: m.ReadingDurationSeconds,
			})
			assert.Equal(t, want, *m.IsUrgent, m.MessageID)
			if !want {
				wantArchived = append(wantArchived, m.MessageID)
				assert.NotNil(t, m.ArchivedAt, m.MessageID)
			}
		}
		assert.Equal(t, wantArchived, f.mailbox.archived)
		assert.Contains(t, wantArchived, "3")

		t.Run("nothing left to process", func(t *testing.T) {
			res, err := f.svc.ProcessAndArchive(ctx, creds())
			require.NoError(t, err)
			assert.Equal(t, ProcessResult{}, res)
		})
	})

	t.Run("archive failure does not stop later messages", func(t *testing.T) {
		logger, logs := logging.NewObserved()
		f := newFixture(t, WithLogger(logger))
		f.seedHistory(t)
		_, err := f.svc.Train(ctx, user)
		require.NoError(t, err)

		// Two more unopened messages arrive after training.
		f.mailbox.messages = append(f.mailbox.messages,
			source.Message{MessageID: "4", Subject: "Weekly newsletter", Body: "more sleep tips"},
			source.Message{MessageID: "5", Subject: "Weekly newsletter", Body: "even more sleep tips"},
		)
		_, err = f.svc.Ingest(ctx, creds())
		require.NoError(t, err)

		f.mailbox.archiveErrs["3"] = errors.New("connection reset")

		res, err := f.svc.ProcessAndArchive(ctx, creds())
		require.NoError(t, err)
		assert.Equal(t, 5, res.Processed)
		assert.Equal(t, 1, res.ArchiveFailed)
		assert.Contains(t, f.mailbox.archived, "4")
		assert.Contains(t, f.mailbox.archived, "5")
		assert.NotContains(t, f.mailbox.archived, "3")

		failed, err := f.store.GetMessage(ctx, user, "3")
		require.NoError(t, err)
		require.NotNil(t, failed.IsUrgent)
		assert.False(t, *failed.IsUrgent)
		assert.Nil(t, failed.ArchivedAt)

		warnings := logs.FilterMessage("archiving message failed").All()
		require.Len(t, warnings, 1)
		assert.Equal(t, "3", warnings[0].ContextMap()["message_id"])
	})

	t.Run("concurrent runs archive each message once", func(t *testing.T) {
		f := newFixture(t)
		f.seedHistory(t)
		_, err := f.svc.Train(ctx, user)
		require.NoError(t, err)
		f.mailbox.archiveDelay = 20 * time.Millisecond

		var wg sync.WaitGroup
		results := make([]ProcessResult, 4)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := f.svc.ProcessAndArchive(ctx, creds())
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		processed, archived := 0, 0
		for _, r := range results {
			processed += r.Processed
			archived += r.Archived
		}
		assert.Equal(t, 3, processed)
		assert.Equal(t, len(f.mailbox.archived), archived)

		seen := map[string]bool{}
		for _, id := range f.mailbox.archived {
			assert.False(t, seen[id], "message %s archived twice", id)
			seen[id] = true
		}
	})

	t.Run("corrupt model fails loudly", func(t *testing.T) {
		f := newFixture(t)
		f.seedHistory(t)
		_, err := f.svc.Train(ctx, user)
		require.NoError(t, err)

		path, err := f.models.Path(user)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

		_, err = f.svc.ProcessAndArchive(ctx, creds())
		assert.True(t, modelstore.IsStoreError(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t)
		f.seedHistory(t)
		_, err := f.svc.Train(ctx, user)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = f.svc.ProcessAndArchive(cancelled, creds())
		assert.Error(t, err)
	})
}
