package mailbox_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/mailbox"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/testutils"
)

func rawMessage(n int) string {
	return fmt.Sprintf(`From: "Sender %d" <sender%d@example.com>
To: victim@example.com
Subject: =?utf-8?q?Invoice_n=C2=B0%d?=
Date: Mon, 02 Jun 2025 10:0%d:00 +0000
Content-Type: text/plain; charset=utf-8

Body of message %d
`, n, n, n, n%10, n)
}

func TestParseMessage(t *testing.T) {
	raw := strings.ReplaceAll(rawMessage(3), "\n", "\r\n")
	msg, err := mailbox.ParseMessage(42, []byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "Invoice n°3", msg.Subject)
	assert.Contains(t, msg.Sender, "sender3@example.com")
	assert.Equal(t, "Body of message 3", msg.Body)
	assert.Equal(t, 2025, msg.Date.Year())
	assert.Len(t, msg.Digest, 64)
	assert.Equal(t, mailbox.Digest([]byte(raw)), msg.Digest)

	email := msg.Email()
	assert.Equal(t, "42", email.ID)
	assert.Equal(t, msg.Body, email.Body)
}

func TestParseMessageWithoutTextPart(t *testing.T) {
	raw := "Subject: image only\r\nContent-Type: image/png\r\nContent-Transfer-Encoding: base64\r\n\r\niVBORw0KGgo=\r\n"
	msg, err := mailbox.ParseMessage(7, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "image only", msg.Subject)
	assert.Empty(t, msg.Body)
}

func TestExtractorFetchesNewestFirst(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	for i := 1; i <= 5; i++ {
		fake.Deliver("INBOX", rawMessage(i))
	}

	ex := mailbox.NewExtractor(fake, "INBOX", nil)
	msgs, err := ex.Fetch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"5", "4", "3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, 0, fake.OpenSessions(), "session closed after extraction")

	items, err := ex.Items(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "5", items[0].ID)
	assert.Equal(t, "Body of message 5", items[0].Body)
	assert.Len(t, items[0].Digest, 64)
}

func TestExtractorEmptyMailbox(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	msgs, err := mailbox.NewExtractor(fake, "", nil).Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotContains(t, fake.Commands, "fetch")
}

func TestExtractorErrors(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	ex := mailbox.NewExtractor(fake, "INBOX", nil)

	_, err := ex.Fetch(context.Background(), 0)
	assert.Error(t, err)

	fake.DialErr = mailbox.ErrAuthFailed
	_, err = ex.Fetch(context.Background(), 5)
	assert.ErrorIs(t, err, mailbox.ErrAuthFailed)

	fake.DialErr = nil
	fake.Deliver("INBOX", rawMessage(1))
	fake.FailOn["fetch"] = errors.New("connection reset")
	_, err = ex.Fetch(context.Background(), 5)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 0, fake.OpenSessions())
}

func newExecutor(fake *testutils.FakeMailbox) *mailbox.IMAPExecutor {
	cfg := config.NewDefaultConfig()
	return mailbox.NewIMAPExecutor(fake, "INBOX", cfg.Actions, nil)
}

func TestIMAPExecutorActions(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	fake.AddMailbox(config.DefaultQuarantineBox)
	safe := fake.Deliver("INBOX", rawMessage(1))
	flag := fake.Deliver("INBOX", rawMessage(2))
	tag := fake.Deliver("INBOX", rawMessage(3))
	quarantine := fake.Deliver("INBOX", rawMessage(4))
	x := newExecutor(fake)
	ctx := context.Background()

	require.NoError(t, x.Apply(ctx, fmt.Sprint(safe), pipeline.Safe))
	assert.Equal(t, 0, fake.Dials, "safe never connects")

	require.NoError(t, x.Apply(ctx, fmt.Sprint(flag), pipeline.Flag))
	assert.Contains(t, fake.Flags("INBOX", flag), imap.FlagFlagged)

	require.NoError(t, x.Apply(ctx, fmt.Sprint(tag), pipeline.Tag))
	assert.Contains(t, fake.Mailboxes(), config.DefaultTagMailbox, "tag mailbox created on demand")
	assert.Len(t, fake.UIDs(config.DefaultTagMailbox), 1)
	assert.Contains(t, fake.UIDs("INBOX"), tag, "tag copies")

	require.NoError(t, x.Apply(ctx, fmt.Sprint(quarantine), pipeline.Quarantine))
	assert.NotContains(t, fake.UIDs("INBOX"), quarantine, "quarantine moves")
	assert.Len(t, fake.UIDs(config.DefaultQuarantineBox), 1)

	assert.Equal(t, 0, fake.OpenSessions())
}

func TestIMAPExecutorErrors(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	x := newExecutor(fake)
	ctx := context.Background()

	assert.Error(t, x.Apply(ctx, "m1", pipeline.Flag), "non-UID item id")
	assert.Error(t, x.Apply(ctx, "999", pipeline.Flag), "unknown UID")

	uid := fake.Deliver("INBOX", rawMessage(1))
	fake.FailOn["move"] = errors.New("NO [TRYCREATE]")
	err := x.Apply(ctx, fmt.Sprint(uid), pipeline.Quarantine)
	assert.Error(t, err)
	assert.Contains(t, fake.UIDs("INBOX"), uid)
}

func TestIMAPExecutorConcurrentApplies(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	var uids []imap.UID
	for i := 0; i < 20; i++ {
		uids = append(uids, fake.Deliver("INBOX", rawMessage(i)))
	}
	x := newExecutor(fake)

	var wg sync.WaitGroup
	for _, uid := range uids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, x.Apply(context.Background(), fmt.Sprint(uid), pipeline.Tag))
		}()
	}
	wg.Wait()
	assert.Len(t, fake.UIDs(config.DefaultTagMailbox), 20)
}

func TestEnsureLabels(t *testing.T) {
	fake := testutils.NewFakeMailbox()
	fake.AddMailbox("inboxguard")

	labels := []string{"Inboxguard", "Inboxguard/Phishing", "Inboxguard/Safe"}
	require.NoError(t, mailbox.EnsureLabels(context.Background(), fake, labels, nil))
	assert.Equal(t, []string{"INBOX", "Inboxguard/Phishing", "Inboxguard/Safe", "inboxguard"}, fake.Mailboxes())

	require.NoError(t, mailbox.EnsureLabels(context.Background(), fake, labels, nil), "idempotent")

	fake.FailOn["create"] = errors.New("NO not allowed")
	err := mailbox.EnsureLabels(context.Background(), fake, []string{"New1", "New2"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "New1")
	assert.Contains(t, err.Error(), "New2")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "action.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestCommandExecutor(t *testing.T) {
	out := filepath.Join(t.TempDir(), "calls")
	script := writeScript(t, `echo "$@" >> `+out)

	x, err := mailbox.NewCommandExecutor(
		[]string{script, "--mailid", "{id}", "--action", "{action}", "--email", "{email}", "--server", "{server}"},
		mailbox.CommandVars{Email: "a@example.com", Password: "pw", Server: "imap.example.com"},
		5*time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, x.Apply(context.Background(), "m2", pipeline.Tag))
	require.NoError(t, x.Apply(context.Background(), "m1", pipeline.Safe))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"--mailid m2 --action tag --email a@example.com --server imap.example.com\n"+
			"--mailid m1 --action safe --email a@example.com --server imap.example.com\n",
		string(data))
}

func TestCommandExecutorFailureDetail(t *testing.T) {
	script := writeScript(t, `echo "connecting as $1"; echo "ERROR: login failed for $1" >&2; exit 104`)
	x, err := mailbox.NewCommandExecutor([]string{script, "{password}"}, mailbox.CommandVars{Password: "s3cret"}, 5*time.Second, nil)
	require.NoError(t, err)

	err = x.Apply(context.Background(), "m1", pipeline.Flag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 104")
	assert.Contains(t, err.Error(), "ERROR: login failed")
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestCommandExecutorUsesWorkDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo "$(pwd -P) $RUN_SCOPE" > seen.txt`)
	x, err := mailbox.NewCommandExecutor([]string{script}, mailbox.CommandVars{}, 5*time.Second, nil)
	require.NoError(t, err)
	x.Dir = dir
	x.Env = append(os.Environ(), "RUN_SCOPE=private")

	require.NoError(t, x.Apply(context.Background(), "m1", pipeline.Flag))

	data, err := os.ReadFile(filepath.Join(dir, "seen.txt"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved+" private\n", string(data))
}

func TestCommandExecutorTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 5`)
	x, err := mailbox.NewCommandExecutor([]string{script}, mailbox.CommandVars{}, 100*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	err = x.Apply(context.Background(), "m1", pipeline.Flag)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewCommandExecutorRejectsEmptyTemplate(t *testing.T) {
	_, err := mailbox.NewCommandExecutor(nil, mailbox.CommandVars{}, 0, nil)
	assert.ErrorIs(t, err, mailbox.ErrEmptyCommand)
}

func TestParseUID(t *testing.T) {
	uid, err := mailbox.ParseUID(" 17 ")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(17), uid)

	for _, bad := range []string{"", "0", "-1", "m1", "99999999999"} {
		_, err := mailbox.ParseUID(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewDialer(t *testing.T) {
	cfg := config.NewDefaultConfig().Mailbox
	cfg.AuthMechanism = "PLAIN"
	d, err := mailbox.NewDialer(cfg, "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultIMAPServer, d.Address)
	assert.Equal(t, mailbox.AuthPlain, d.Mechanism)
	assert.Equal(t, 30*time.Second, d.Timeout)

	cfg.DialTimeout = "soon"
	_, err = mailbox.NewDialer(cfg, "a@example.com", "pw")
	assert.Error(t, err)
}

func TestTraceWriterRedactsCredentials(t *testing.T) {
	var lines []string
	w := mailbox.NewTraceWriter(func(line string) { lines = append(lines, line) })

	_, err := w.Write([]byte("T1 LOGIN user@example.com hunter2\r\n* OK ready\r\nT2 AUTHENT"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ICATE PLAIN AHVzZXIAaHVudGVyMg==\r\nT3 SELECT INBOX\r\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"T1 LOGIN user@example.com [REDACTED]",
		"* OK ready",
		"T2 AUTHENTICATE PLAIN [REDACTED]",
		"T3 SELECT INBOX",
	}, lines)
	for _, l := range lines {
		assert.NotContains(t, l, "hunter2")
	}
}
