package observability

import (
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"campusgenius/internal/auth"
	"campusgenius/internal/logger"

	"github.com/go-chi/chi/v5/middleware"
)

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

// Collector keeps in-process request and assessment counters and writes one
// access log line per request.
type Collector struct {
	db  *sql.DB
	log *logger.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time

	attemptsStarted   int64
	attemptsCompleted map[bool]int64
	modelCalls        map[modelKey]int64
	cascadeExhausted  int64
}

type modelKey struct {
	Model   string
	Outcome string
}

func NewCollector(db *sql.DB, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	return &Collector{
		db:           db,
		log:          log.With("component", "http"),
		requestStats:      make(map[key]stat),
		startedAt:         time.Now(),
		attemptsCompleted: make(map[bool]int64),
		modelCalls:        make(map[modelKey]int64),
	}
}

func (c *Collector) AttemptStarted() {
	c.mu.Lock()
	c.attemptsStarted++
	c.mu.Unlock()
}

func (c *Collector) AttemptCompleted(passed bool) {
	c.mu.Lock()
	c.attemptsCompleted[passed]++
	c.mu.Unlock()
}

// ModelAnswered and ModelFailed count individual cascade candidates, so a
// request that falls back twice before succeeding adds two failures.
func (c *Collector) ModelAnswered(model string) { c.countModel(model, "ok") }

func (c *Collector) ModelFailed(model string) { c.countModel(model, "error") }

func (c *Collector) CascadeExhausted() {
	c.mu.Lock()
	c.cascadeExhausted++
	c.mu.Unlock()
}

func (c *Collector) countModel(model, outcome string) {
	c.mu.Lock()
	c.modelCalls[modelKey{Model: model, Outcome: outcome}]++
	c.mu.Unlock()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		userID := int64(0)
		if u, ok := auth.CurrentUser(r.Context()); ok {
			userID = u.ID
		}
		kv := []interface{}{
			"request_id", middleware.GetReqID(r.Context()),
			"user_id", userID,
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"latency_ms", latencyMS,
			"remote_ip", strings.TrimSpace(r.RemoteAddr),
		}
		if id := pathID(r.URL.Path, "attempts"); id > 0 {
			kv = append(kv, "attempt_id", id)
		}
		if id := pathID(r.URL.Path, "quizzes"); id > 0 {
			kv = append(kv, "quiz_id", id)
		}
		if rec.status >= http.StatusInternalServerError {
			c.log.Warn("request failed", kv...)
			return
		}
		c.log.Info("request", kv...)
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	started, passed, failed := c.attemptsStarted, c.attemptsCompleted[true], c.attemptsCompleted[false]
	models := make(map[modelKey]int64, len(c.modelCalls))
	for k, v := range c.modelCalls {
		models[k] = v
	}
	exhausted := c.cascadeExhausted
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# campusgenius assessment metrics\n")
	sb.WriteString("# TYPE campusgenius_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("campusgenius_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	sb.WriteString("# TYPE campusgenius_http_requests_total counter\n")
	sb.WriteString("# TYPE campusgenius_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE campusgenius_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=\"%s\",path=\"%s\",status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("campusgenius_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("campusgenius_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		sb.WriteString(fmt.Sprintf("campusgenius_http_request_latency_ms_avg{%s} %.3f\n", labels, avg))
	}

	sb.WriteString("# TYPE campusgenius_attempts_started_total counter\n")
	sb.WriteString(fmt.Sprintf("campusgenius_attempts_started_total %d\n", started))
	sb.WriteString("# TYPE campusgenius_attempts_completed_total counter\n")
	sb.WriteString(fmt.Sprintf("campusgenius_attempts_completed_total{result=\"passed\"} %d\n", passed))
	sb.WriteString(fmt.Sprintf("campusgenius_attempts_completed_total{result=\"failed\"} %d\n", failed))

	modelKeys := make([]modelKey, 0, len(models))
	for k := range models {
		modelKeys = append(modelKeys, k)
	}
	sort.Slice(modelKeys, func(i, j int) bool {
		if modelKeys[i].Model != modelKeys[j].Model {
			return modelKeys[i].Model < modelKeys[j].Model
		}
		return modelKeys[i].Outcome < modelKeys[j].Outcome
	})
	sb.WriteString("# TYPE campusgenius_ai_model_calls_total counter\n")
	for _, k := range modelKeys {
		sb.WriteString(fmt.Sprintf("campusgenius_ai_model_calls_total{model=\"%s\",outcome=\"%s\"} %d\n", k.Model, k.Outcome, models[k]))
	}
	sb.WriteString("# TYPE campusgenius_ai_cascade_exhausted_total counter\n")
	sb.WriteString(fmt.Sprintf("campusgenius_ai_cascade_exhausted_total %d\n", exhausted))

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE campusgenius_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("campusgenius_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE campusgenius_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("campusgenius_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE campusgenius_db_idle_connections gauge\n")
		sb.WriteString(fmt.Sprintf("campusgenius_db_idle_connections %d\n", dbs.Idle))
		sb.WriteString("# TYPE campusgenius_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("campusgenius_db_wait_count %d\n", dbs.WaitCount))
		sb.WriteString("# TYPE campusgenius_db_wait_duration_ms counter\n")
		sb.WriteString(fmt.Sprintf("campusgenius_db_wait_duration_ms %.3f\n", float64(dbs.WaitDuration.Microseconds())/1000.0))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// pathID returns the numeric segment following collection in path, or 0.
func pathID(path, collection string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == collection {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
