package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/model"
)

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("s3cret\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	pw, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)

	_, err = readPassword(strings.NewReader("\n"))
	assert.Error(t, err)
}

func TestMailConfig(t *testing.T) {
	cfg := &model.AppConfig{IMAP: model.IMAPConfig{
		Host:           "imap.example.com",
		Port:           "993",
		TLS:            true,
		Mailbox:        "INBOX",
		ArchiveFolders: []string{"Done"},
	}}

	mc := mailConfig(cfg)
	assert.Equal(t, "imap.example.com", mc.Host)
	assert.Equal(t, "993", mc.Port)
	assert.True(t, mc.TLS)
	assert.Equal(t, []string{"Done"}, mc.ArchiveFolders)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "train", "classify", "login", "forget"} {
		assert.True(t, names[want], want)
	}
}
