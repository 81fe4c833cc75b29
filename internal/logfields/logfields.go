package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID        = "job_id"
	KeyDeploymentID = "deployment_id"
	KeyWorkerID     = "worker_id"
	KeyJobStatus    = "job_status"
	KeyPriority     = "priority"
	KeyRetryCount   = "retry_count"
	KeyStage        = "stage"
	KeyProgress     = "progress"
	KeyRepo         = "repository"
	KeyRef          = "ref"
	KeyDurationMS   = "duration_ms"
	KeyPath         = "path"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id string) slog.Attr         { return slog.String(KeyJobID, id) }
func DeploymentID(id string) slog.Attr  { return slog.String(KeyDeploymentID, id) }
func WorkerID(id string) slog.Attr      { return slog.String(KeyWorkerID, id) }
func JobStatus(s string) slog.Attr      { return slog.String(KeyJobStatus, s) }
func Priority(p int) slog.Attr          { return slog.Int(KeyPriority, p) }
func RetryCount(n int) slog.Attr        { return slog.Int(KeyRetryCount, n) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func Progress(p int) slog.Attr          { return slog.Int(KeyProgress, p) }
func Repository(r string) slog.Attr     { return slog.String(KeyRepo, r) }
func Ref(r string) slog.Attr            { return slog.String(KeyRef, r) }
func DurationMS(ms int64) slog.Attr     { return slog.Int64(KeyDurationMS, ms) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
