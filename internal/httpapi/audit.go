package httpapi

import (
	"net/http"
	"sync"
	"time"
)

type auditEntry struct {
	Time   time.Time `json:"time"`
	User   string    `json:"user"`
	Path   string    `json:"path"`
	Method string    `json:"method"`
	Status int       `json:"status"`
}

// auditLog is a bounded ring of recent requests, kept in memory for the
// admin-visible request trail; unlike billing/verification history it
// is not persisted, since section 6 names no audit table.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
}

func newAuditLog(max int) *auditLog {
	if max <= 0 {
		max = 500
	}
	return &auditLog{max: max}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *auditLog) list() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrapWithAudit records one entry per request after auth has run, so
// entries carry the resolved user.
func wrapWithAudit(next http.Handler, log *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.add(auditEntry{
			Time:   time.Now().UTC(),
			User:   userFromContext(r.Context()),
			Path:   r.URL.Path,
			Method: r.Method,
			Status: rec.status,
		})
	})
}
