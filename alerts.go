// (c) Copyright Procwatch 2025

package governor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the severity of a governor alert
type AlertLevel string

// Valid alert severities, ordered from least to most urgent
const (
	LevelInfo       AlertLevel = "INFO"
	LevelWarning    AlertLevel = "WARNING"
	LevelCritical   AlertLevel = "CRITICAL"
	LevelPredictive AlertLevel = "PREDICTIVE"
)

// Alert kinds emitted by the governor loops
const (
	KindSubprocessCreated    = "SUBPROCESS_CREATED"
	KindSubprocessWarning    = "SUBPROCESS_WARNING"
	KindSubprocessTerminated = "SUBPROCESS_TERMINATED"
	KindSubprocessExited     = "SUBPROCESS_EXITED"
	KindSubprocessError      = "SUBPROCESS_ERROR"
	KindSubprocessReaped     = "SUBPROCESS_REAPED"
	KindForceKilled          = "FORCE_KILLED"
	KindPredictiveWarning    = "PREDICTIVE_WARNING"
	KindPredictiveCritical   = "PREDICTIVE_CRITICAL"
	KindProactiveCleanup     = "PROACTIVE_CLEANUP"
	KindEmergencyCleanup     = "EMERGENCY_CLEANUP"
	KindShutdown             = "SHUTDOWN"
)

// AlertContext carries the measurements that triggered an alert. Zero-valued
// fields are omitted from the event log.
type AlertContext struct {
	PID            int           `json:"pid,omitempty"`
	Name           string        `json:"name,omitempty"`
	MemoryUsed     uint64        `json:"memory_used,omitempty"`
	MemoryLimit    uint64        `json:"memory_limit,omitempty"`
	Fraction       float64       `json:"fraction,omitempty"`
	Warnings       int           `json:"warnings,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	GrowthRate     float64       `json:"growth_rate,omitempty"`
	TimeToCritical time.Duration `json:"time_to_critical,omitempty"`
	FreedBytes     uint64        `json:"freed_bytes,omitempty"`
	Terminated     int           `json:"terminated,omitempty"`
	// Suppressed is the number of alerts the cooldown gate dropped since the
	// previous accepted alert
	Suppressed uint64 `json:"suppressed,omitempty"`
}

// AlertEvent is a single alert as recorded in the event log and handed to
// subscribers.
type AlertEvent struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Level     AlertLevel   `json:"level"`
	Kind      string       `json:"kind"`
	Message   string       `json:"message"`
	Context   AlertContext `json:"context"`
}

// AlertHandler receives alerts that pass the cooldown gate. Handlers run on
// the emitting goroutine and must not block.
type AlertHandler func(AlertEvent)

// alertSink deduplicates alerts per severity within a cooldown window, keeps a
// bounded history of recent alerts and fans accepted alerts out to the event
// log and registered handlers.
type alertSink struct {
	mu         sync.Mutex
	cooldown   time.Duration
	lastByKey  map[string]time.Time
	suppressed uint64
	sinceLast  uint64
	recent     []AlertEvent
	bound      int
	handlers   []AlertHandler
	logger     LeveledLogger
	artifacts  *artifactWriter
	nowFn      func() time.Time
}

func newAlertSink(cooldown time.Duration, bound int, lg LeveledLogger, artifacts *artifactWriter) *alertSink {
	if bound < 1 {
		bound = 1
	}

	return &alertSink{
		cooldown:  cooldown,
		lastByKey: make(map[string]time.Time),
		bound:     bound,
		logger:    lg,
		artifacts: artifacts,
		nowFn:     time.Now,
	}
}

func (s *alertSink) AddHandler(h AlertHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = append(s.handlers, h)
}

// Emit records an alert unless an alert with the same kind and severity was
// accepted within the cooldown window. It reports whether the alert was
// accepted.
func (s *alertSink) Emit(level AlertLevel, kind, message string, c AlertContext) bool {
	s.mu.Lock()

	now := s.nowFn()

	key := kind + "/" + string(level)
	if last, ok := s.lastByKey[key]; ok && now.Sub(last) < s.cooldown {
		s.suppressed++
		s.sinceLast++
		s.mu.Unlock()

		return false
	}

	s.lastByKey[key] = now

	c.Suppressed, s.sinceLast = s.sinceLast, 0

	ev := AlertEvent{
		ID:        uuid.New().String(),
		Timestamp: now,
		Level:     level,
		Kind:      kind,
		Message:   message,
		Context:   c,
	}

	s.recent = append(s.recent, ev)
	if len(s.recent) > s.bound {
		s.recent = s.recent[len(s.recent)-s.bound:]
	}

	handlers := make([]AlertHandler, len(s.handlers))
	copy(handlers, s.handlers)

	s.mu.Unlock()

	switch level {
	case LevelCritical:
		s.logger.Error(kind, ": ", message)
	case LevelWarning, LevelPredictive:
		s.logger.Warn(kind, ": ", message)
	default:
		s.logger.Info(kind, ": ", message)
	}

	if s.artifacts != nil {
		if err := s.artifacts.AppendEvent(ev); err != nil {
			s.logger.Warn("failed to persist alert event: ", err)
		}
	}

	for _, h := range handlers {
		h(ev)
	}

	return true
}

// Recent returns up to n most recent accepted alerts, oldest first.
func (s *alertSink) Recent(n int) []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.recent) {
		n = len(s.recent)
	}

	recent := make([]AlertEvent, n)
	copy(recent, s.recent[len(s.recent)-n:])

	return recent
}

// Suppressed returns the number of alerts dropped by the cooldown gate.
func (s *alertSink) Suppressed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.suppressed
}
