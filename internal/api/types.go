package api

import "github.com/nhle/inbox-triage/internal/source"

// Credentials identify the mailbox an endpoint acts on. Token is the
// account's IMAP app password; it is only used for the mail server login.
type Credentials struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func (c Credentials) source() source.Credentials {
	return source.Credentials{Username: c.Email, Password: c.Token}
}

// UpdateMetricsRequest is the request body for POST /update_metrics.
type UpdateMetricsRequest struct {
	Credentials
	EmailID         string  `json:"email_id"`
	IsRead          bool    `json:"is_read"`
	ReadingDuration float64 `json:"reading_duration"`
}

// StatusResponse is the response body of the workflow endpoints.
type StatusResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Result  interface{} `json:"result,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
