package server

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/loader"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseCronExpression validates a standard five-field, UTC-only cron
// expression.
func ParseCronExpression(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Scheduler submits workflows on cron schedules. Each trigger starts a
// fresh session; the event log is the record of what ran.
type Scheduler struct {
	engine *engine.Engine
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule name -> cron entry
}

// NewScheduler creates a scheduler bound to the engine.
func NewScheduler(eng *engine.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:  eng,
		cron:    cron.New(cron.WithParser(standardCronParser)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a recurring submission of the workflow document under the
// given name. Adding an existing name replaces its schedule.
func (s *Scheduler) Add(name, expr string, doc *loader.Document, input string) error {
	if _, err := ParseCronExpression(expr); err != nil {
		return err
	}
	g, err := doc.Graph()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}

	id, err := s.cron.AddFunc(expr, func() {
		sess, _, err := s.engine.Submit(g, input, "")
		if err != nil {
			s.logger.Error("scheduled submission failed", "schedule", name, "error", err)
			return
		}
		s.logger.Info("scheduled workflow submitted", "schedule", name, "session", sess.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Remove drops a named schedule. Unknown names are a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins triggering schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts triggering. Running submissions are unaffected.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
