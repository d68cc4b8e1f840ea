package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/davsync/internal/creds"
	"github.com/openmined/davsync/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTermPrompter_ReadsLine(t *testing.T) {
	var out bytes.Buffer
	p := &termPrompter{in: strings.NewReader("hunter2\n"), out: &out}

	password, ok, err := p.PromptPassword(context.Background(), creds.PromptRequest{
		AppName:    "DavSync",
		Account:    "alice@cloud.example.com",
		FetchError: "keychain locked",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", password)
	assert.Contains(t, out.String(), "DavSync password for alice@cloud.example.com")
	assert.Contains(t, out.String(), "keychain locked")
}

func TestTermPrompter_EmptyInputCancels(t *testing.T) {
	for _, in := range []string{"", "\n"} {
		p := &termPrompter{in: strings.NewReader(in), out: &bytes.Buffer{}}
		_, ok, err := p.PromptPassword(context.Background(), creds.PromptRequest{})
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestTermPrompter_NoTrailingNewline(t *testing.T) {
	p := &termPrompter{in: strings.NewReader("secret"), out: &bytes.Buffer{}}
	password, ok, err := p.PromptPassword(context.Background(), creds.PromptRequest{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", password)
}

func TestPrintJournal(t *testing.T) {
	jrnl := journal.NewSyncJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, jrnl.Open())
	defer jrnl.Close()

	now := time.Unix(1700000000, 0)
	require.NoError(t, jrnl.SetUploadInfo("a.txt", &journal.UploadInfo{
		Valid: true, TransferID: 42, Size: 2048, ModTime: now, ErrorCount: 1,
	}))
	require.NoError(t, jrnl.SetPollInfo(&journal.PollInfo{Path: "b.txt", ModTime: now, URL: "/poll/1"}))
	require.NoError(t, jrnl.SetErrorBlacklistEntry(journal.NextBlacklistEntry(nil, "c.txt", "", now, now, "Internal Server Error (500)")))
	require.NoError(t, jrnl.Commit("test"))

	var out bytes.Buffer
	require.NoError(t, printJournal(&out, jrnl, now.Add(time.Second)))

	got := out.String()
	assert.Contains(t, got, "a.txt  2.0 KiB  transfer=42 errors=1")
	assert.Contains(t, got, "b.txt  /poll/1")
	assert.Contains(t, got, "c.txt  retries=1 retry")
	assert.Contains(t, got, "Internal Server Error (500)")
}
