package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
)

var requestsServed = func() prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "restgate_requests_total",
		Help: "Requests served.",
	})
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}()

// Record is one finished request as kept for the admin plane.
type Record struct {
	RequestID string        `json:"request_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Query     string        `json:"query,omitempty"`
	RemoteIP  string        `json:"remote_ip"`
	Status    int           `json:"status"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration_ns"`
	Start     time.Time     `json:"start"`
}

// RequestLog captures start/finish of every request, emits an access log
// line and retains a bounded ring of records for `requestLog <id>`.
type RequestLog struct {
	mu      sync.RWMutex
	ring    []Record
	byID    map[string]int
	next    int
	maxSize int
}

// NewRequestLog creates a request logger retaining up to maxSize records.
func NewRequestLog(maxSize int) *RequestLog {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &RequestLog{
		ring:    make([]Record, 0, maxSize),
		byID:    make(map[string]int, maxSize),
		maxSize: maxSize,
	}
}

// statusWriter wraps the response writer to capture status and size.
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware wraps the handler, recording one Record per request.
func (rl *RequestLog) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			rec := Record{
				RequestID: r.Header.Get(RequestIDHeader),
				Method:    r.Method,
				Path:      r.URL.Path,
				Query:     r.URL.RawQuery,
				RemoteIP:  ClientIP(r),
				Status:    sw.status,
				Bytes:     sw.bytes,
				Duration:  time.Since(start),
				Start:     start,
			}
			rl.record(rec)
			requestsServed.Inc()

			logging.Info("request",
				zap.String("request_id", rec.RequestID),
				zap.String("method", rec.Method),
				zap.String("path", rec.Path),
				zap.Int("status", rec.Status),
				zap.Int64("bytes", rec.Bytes),
				zap.Duration("duration", rec.Duration),
			)
		})
	}
}

func (rl *RequestLog) record(rec Record) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.ring) < rl.maxSize {
		rl.ring = append(rl.ring, rec)
		rl.byID[rec.RequestID] = len(rl.ring) - 1
		return
	}
	old := rl.ring[rl.next]
	if idx, ok := rl.byID[old.RequestID]; ok && idx == rl.next {
		delete(rl.byID, old.RequestID)
	}
	rl.ring[rl.next] = rec
	rl.byID[rec.RequestID] = rl.next
	rl.next = (rl.next + 1) % rl.maxSize
}

// Get returns the record for a request ID.
func (rl *RequestLog) Get(requestID string) (Record, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	idx, ok := rl.byID[requestID]
	if !ok {
		return Record{}, false
	}
	return rl.ring[idx], true
}

// Recent returns up to n of the most recently recorded requests.
func (rl *RequestLog) Recent(n int) []Record {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if n <= 0 || n > len(rl.ring) {
		n = len(rl.ring)
	}
	out := make([]Record, 0, n)
	// Walk backwards from the most recent slot.
	idx := rl.next - 1
	if len(rl.ring) < rl.maxSize {
		idx = len(rl.ring) - 1
	}
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx = len(rl.ring) - 1
		}
		out = append(out, rl.ring[idx])
		idx--
	}
	return out
}
