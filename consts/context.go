package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RunIDKey carries the run id of the current session. Outgoing classifier
	// requests echo it in the X-Inboxguard-Run header so service logs can be
	// correlated with the pipeline log.
	RunIDKey = ContextKey("run_id")
)

// RunIDHeader is the HTTP header that carries RunIDKey.
const RunIDHeader = "X-Inboxguard-Run"
