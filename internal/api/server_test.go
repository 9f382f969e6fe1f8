package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/triage"
	"github.com/nhle/inbox-triage/internal/urgency"
)

type fakeTriage struct {
	ingest     triage.IngestResult
	train      *triage.TrainResult
	process    triage.ProcessResult
	err        error
	lastCreds  source.Credentials
	lastUser   string
	lastMetric struct {
		messageID string
		wasRead   bool
		duration  float64
	}
}

func (f *fakeTriage) Ingest(_ context.Context, creds source.Credentials) (triage.IngestResult, error) {
	f.lastCreds = creds
	return f.ingest, f.err
}

func (f *fakeTriage) UpdateMetrics(_ context.Context, userID, messageID string, wasRead bool, d float64) error {
	f.lastUser = userID
	f.lastMetric.messageID = messageID
	f.lastMetric.wasRead = wasRead
	f.lastMetric.duration = d
	return f.err
}

func (f *fakeTriage) Train(_ context.Context, userID string) (*triage.TrainResult, error) {
	f.lastUser = userID
	if f.err != nil {
		return nil, f.err
	}
	return f.train, nil
}

func (f *fakeTriage) ProcessAndArchive(_ context.Context, creds source.Credentials) (triage.ProcessResult, error) {
	f.lastCreds = creds
	return f.process, f.err
}

func setupTestServer(t *testing.T, svc Triage) *Server {
	t.Helper()
	s, err := NewServer(svc, zap.NewNop(), "")
	require.NoError(t, err)
	return s
}

func post(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("requires a service", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), "")
		assert.ErrorContains(t, err, "triage service cannot be nil")
	})

	t.Run("requires a logger", func(t *testing.T) {
		_, err := NewServer(&fakeTriage{}, nil, "")
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("default address", func(t *testing.T) {
		s := setupTestServer(t, &fakeTriage{})
		assert.Equal(t, ":8000", s.addr)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &fakeTriage{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleMetrics(t *testing.T) {
	s := setupTestServer(t, &fakeTriage{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inbox_triage_")
}

func TestHandleIngest(t *testing.T) {
	fake := &fakeTriage{ingest: triage.IngestResult{Fetched: 4, Inserted: 3}}
	s := setupTestServer(t, fake)

	rec := post(t, s, "/ingest_emails", Credentials{Email: "alice@example.com", Token: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Ingested 4 emails.", body["message"])
	assert.Equal(t, source.Credentials{Username: "alice@example.com", Password: "secret"}, fake.lastCreds)

	t.Run("auth failure", func(t *testing.T) {
		fake.err = fmt.Errorf("ingesting: %w", &source.AuthError{Account: "alice@example.com", Message: "no"})
		defer func() { fake.err = nil }()

		rec := post(t, s, "/ingest_emails", Credentials{Email: "alice@example.com"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unexpected failure is generic", func(t *testing.T) {
		fake.err = errors.New("disk on fire")
		defer func() { fake.err = nil }()

		rec := post(t, s, "/ingest_emails", Credentials{Email: "alice@example.com"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk on fire")
	})
}

func TestHandleUpdateMetrics(t *testing.T) {
	fake := &fakeTriage{}
	s := setupTestServer(t, fake)

	rec := post(t, s, "/update_metrics", UpdateMetricsRequest{
		Credentials:     Credentials{Email: "alice@example.com"},
		EmailID:         "17",
		IsRead:          true,
		ReadingDuration: 8.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", fake.lastUser)
	assert.Equal(t, "17", fake.lastMetric.messageID)
	assert.True(t, fake.lastMetric.wasRead)
	assert.Equal(t, 8.5, fake.lastMetric.duration)

	t.Run("flat json body", func(t *testing.T) {
		rec := post(t, s, "/update_metrics",
			`{"email":"bob@example.com","token":"t","email_id":"3","is_read":false,"reading_duration":0}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bob@example.com", fake.lastUser)
		assert.Equal(t, "3", fake.lastMetric.messageID)
	})

	t.Run("unknown message", func(t *testing.T) {
		fake.err = fmt.Errorf("message 9: %w", store.ErrNotFound)
		defer func() { fake.err = nil }()

		rec := post(t, s, "/update_metrics", UpdateMetricsRequest{
			Credentials: Credentials{Email: "alice@example.com"},
			EmailID:     "9",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid metrics", func(t *testing.T) {
		fake.err = fmt.Errorf("%w: reading duration -1", triage.ErrInvalidMetrics)
		defer func() { fake.err = nil }()

		rec := post(t, s, "/update_metrics", UpdateMetricsRequest{
			Credentials:     Credentials{Email: "alice@example.com"},
			EmailID:         "9",
			ReadingDuration: -1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing email id", func(t *testing.T) {
		rec := post(t, s, "/update_metrics", Credentials{Email: "alice@example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleTrain(t *testing.T) {
	fake := &fakeTriage{train: &triage.TrainResult{UserID: "alice@example.com", Version: "v1", Records: 3}}
	s := setupTestServer(t, fake)

	rec := post(t, s, "/train_model", Credentials{Email: "alice@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Model trained successfully.", body["message"])
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v1", result["version"])

	t.Run("no data", func(t *testing.T) {
		fake.err = urgency.ErrInsufficientData
		defer func() { fake.err = nil }()

		rec := post(t, s, "/train_model", Credentials{Email: "alice@example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Not enough data")
	})
}

func TestHandleProcess(t *testing.T) {
	fake := &fakeTriage{process: triage.ProcessResult{Processed: 3, Urgent: 1, Archived: 2}}
	s := setupTestServer(t, fake)

	rec := post(t, s, "/process_and_archive", Credentials{Email: "alice@example.com", Token: "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Processed emails and archived non-urgent ones.", decode(t, rec)["message"])

	t.Run("nothing pending", func(t *testing.T) {
		fake.process = triage.ProcessResult{}
		rec := post(t, s, "/process_and_archive", Credentials{Email: "alice@example.com"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "No new emails to process.", decode(t, rec)["message"])
	})

	t.Run("no model", func(t *testing.T) {
		fake.err = triage.ErrModelNotFound
		defer func() { fake.err = nil }()

		rec := post(t, s, "/process_and_archive", Credentials{Email: "alice@example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Train the model first")
	})
}

func TestRequestValidation(t *testing.T) {
	s := setupTestServer(t, &fakeTriage{})

	rec := post(t, s, "/train_model", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s, "/train_model", Credentials{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email field is required")
}

func TestRequestLogging(t *testing.T) {
	logger, logs := logging.NewObserved()
	s, err := NewServer(&fakeTriage{err: triage.ErrModelNotFound}, logger, "")
	require.NoError(t, err)

	rec := post(t, s, "/process_and_archive", Credentials{Email: "alice@example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/process_and_archive", fields["uri"])
	assert.EqualValues(t, http.StatusBadRequest, fields["status"])
}
