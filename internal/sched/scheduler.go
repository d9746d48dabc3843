// Package sched runs minute-granularity scheduled commands persisted in a
// JSON snapshot file.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"filehelper/internal/plugin"
)

const tickInterval = 20 * time.Second

var timeHMRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// DispatchFunc runs a task's command text and returns the reply.
type DispatchFunc func(ctx context.Context, commandText, msgID string) string

// SendFunc delivers a task reply to the assistant conversation.
type SendFunc func(ctx context.Context, text string) error

// Scheduler owns the task table. Each enabled task fires at most once per
// day, at the first tick landing inside its HH:MM minute.
type Scheduler struct {
	path     string
	dispatch DispatchFunc
	send     SendFunc

	mu    sync.Mutex
	tasks map[string]*plugin.Task
}

func New(path string, dispatch DispatchFunc, send SendFunc) *Scheduler {
	return &Scheduler{
		path:     path,
		dispatch: dispatch,
		send:     send,
		tasks:    make(map[string]*plugin.Task),
	}
}

// Load reads the snapshot file. A missing or malformed file leaves the
// table empty.
func (s *Scheduler) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var entries []plugin.Task
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("could not parse task snapshot")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		if entries[i].ID == "" {
			continue
		}
		task := entries[i]
		s.tasks[task.ID] = &task
	}
}

// Save writes the snapshot. Callers must not hold s.mu.
func (s *Scheduler) Save() error {
	rows := s.List()
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write task snapshot: %w", err)
	}
	return nil
}

// List returns the tasks ordered by fire time, then id.
func (s *Scheduler) List() []plugin.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plugin.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeHM != out[j].TimeHM {
			return out[i].TimeHM < out[j].TimeHM
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Add validates the fire time and persists a new enabled task.
func (s *Scheduler) Add(timeHM, commandText, description string) (plugin.Task, error) {
	if !timeHMRe.MatchString(timeHM) {
		return plugin.Task{}, fmt.Errorf("invalid time format, expected HH:MM")
	}
	if commandText == "" {
		return plugin.Task{}, fmt.Errorf("empty command text")
	}

	s.mu.Lock()
	// Two adds can land in the same millisecond; suffix until unique.
	id := "task_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	for n := 1; ; n++ {
		if _, dup := s.tasks[id]; !dup {
			break
		}
		id = fmt.Sprintf("task_%d_%d", time.Now().UnixMilli(), n)
	}
	task := plugin.Task{
		ID:          id,
		TimeHM:      timeHM,
		CommandText: commandText,
		Description: description,
		Enabled:     true,
		CreatedAt:   time.Now().Unix(),
	}
	s.tasks[id] = &task
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		log.Warn().Err(err).Msg("task snapshot write failed")
	}
	return task, nil
}

// Remove deletes a task and reports whether it existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if ok {
		if err := s.Save(); err != nil {
			log.Warn().Err(err).Msg("task snapshot write failed")
		}
	}
	return ok
}

// SetEnabled toggles a task and reports whether it existed.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		task.Enabled = enabled
	}
	s.mu.Unlock()

	if ok {
		if err := s.Save(); err != nil {
			log.Warn().Err(err).Msg("task snapshot write failed")
		}
	}
	return ok
}

// RunNow fires a task immediately. Manual runs skip the once-per-day
// gating and do not consume it.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("task %s not found", id)
	}
	copied := *task
	s.mu.Unlock()

	return s.runTask(ctx, copied, "manual"), nil
}

// Status summarizes the table for the framework API.
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := 0
	for _, task := range s.tasks {
		if task.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"task_count":         len(s.tasks),
		"enabled_task_count": enabled,
	}
}

// Run drives the schedule until ctx is cancelled, checking every 20s so a
// task minute is never skipped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Msg("task snapshot write on stop failed")
			}
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick runs every due task sequentially and marks it consumed for today.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")
	hm := now.Format("15:04")

	var due []plugin.Task
	s.mu.Lock()
	for _, task := range s.tasks {
		if !task.Enabled || task.TimeHM != hm || task.LastRunDate == today {
			continue
		}
		due = append(due, *task)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	for _, task := range due {
		s.runTask(ctx, task, "schedule")
		s.mu.Lock()
		if stored, ok := s.tasks[task.ID]; ok {
			stored.LastRunDate = today
		}
		s.mu.Unlock()
	}

	if err := s.Save(); err != nil {
		log.Warn().Err(err).Msg("task snapshot write failed")
	}
}

func (s *Scheduler) runTask(ctx context.Context, task plugin.Task, trigger string) string {
	result := s.dispatch(ctx, task.CommandText, "task:"+task.ID)
	if result == "" {
		return ""
	}
	reply := fmt.Sprintf("[task:%s:%s] %s", task.ID, trigger, result)
	if err := s.send(ctx, reply); err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("task reply send failed")
	}
	return result
}
