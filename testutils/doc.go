// Package testutils provides fakes shared by the inboxguard test suites.
//
// Key components:
//   - FakeMailbox: an in-memory IMAP account implementing mailbox.Dialer
//   - FakeProcessManager: a scripted service.ProcessManager
//   - FileBasedS3Mock: a storage.ObjectStore backed by a temporary directory
//   - SetupTestLedger: a migrated ledger in t.TempDir()
//
// Example usage:
//
//	func TestQuarantine(t *testing.T) {
//		mb := testutils.NewFakeMailbox()
//		uid := mb.Deliver("INBOX", raw)
//		x := mailbox.NewIMAPExecutor(mb, "INBOX", cfg.Actions, nil)
//		// ...
//	}
package testutils
