// Package logfields provides canonical log field names and helpers for
// structured logging across ekaci, so call sites never hand-roll a field
// name and risk a typo silently breaking a dashboard or log query.
package logfields

import "log/slog"

// Canonical log field name constants.
const (
	KeyDrvID        = "drv_id"
	KeyBuildID      = "build_id"
	KeyAttempt      = "build_attempt"
	KeyState        = "state"
	KeyTask         = "task"
	KeyStage        = "stage"
	KeyJobPath      = "job_path"
	KeyAttr         = "attr"
	KeyExitCode     = "exit_code"
	KeyRefCount     = "ref_count"
	KeyDurationMS   = "duration_ms"
	KeyWorker       = "worker"
	KeySocket       = "socket_path"
	KeyRemoteAddr   = "remote_addr"
	KeyRequestType  = "request_type"
	KeyError        = "error"
	KeyRetryable    = "retryable"
	KeyScheduleID   = "schedule_id"
	KeyMigration    = "migration"
	KeySubject      = "subject"
	KeyGitRepo      = "git_repo"
	KeyGitCommit    = "git_commit"
)

func DrvID(id string) slog.Attr       { return slog.String(KeyDrvID, id) }
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Task(t string) slog.Attr         { return slog.String(KeyTask, t) }
func Stage(s string) slog.Attr        { return slog.String(KeyStage, s) }
func JobPath(p string) slog.Attr      { return slog.String(KeyJobPath, p) }
func Attr(a string) slog.Attr         { return slog.String(KeyAttr, a) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func RefCount(n int) slog.Attr        { return slog.Int(KeyRefCount, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Socket(p string) slog.Attr       { return slog.String(KeySocket, p) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func RequestType(t string) slog.Attr  { return slog.String(KeyRequestType, t) }
func Error(err error) slog.Attr       { return slog.Any(KeyError, err) }
func Retryable(b bool) slog.Attr      { return slog.Bool(KeyRetryable, b) }
func ScheduleID(id string) slog.Attr  { return slog.String(KeyScheduleID, id) }
func Migration(name string) slog.Attr { return slog.String(KeyMigration, name) }
func Subject(s string) slog.Attr      { return slog.String(KeySubject, s) }
func GitRepo(u string) slog.Attr      { return slog.String(KeyGitRepo, u) }
func GitCommit(c string) slog.Attr    { return slog.String(KeyGitCommit, c) }
