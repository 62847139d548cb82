package consts

const MailboxDelimiter = '/'

// LabelRoot is the parent of every label mailbox created by inboxguard.
const LabelRoot = "Inboxguard"

var DefaultLabels = []string{
	LabelRoot,
	LabelRoot + string(MailboxDelimiter) + "Phishing",
	LabelRoot + string(MailboxDelimiter) + "Suspicious",
	LabelRoot + string(MailboxDelimiter) + "Safe",
}
