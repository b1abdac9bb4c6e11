package task

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit        int
	Offset       int
	States       []State
	Skill        string
	SessionID    string
	UpdatedSince time.Time
	UpdatedUntil time.Time
	HasArtifacts *bool
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Skill = NormalizeSkill(opts.Skill)
	opts.SessionID = strings.TrimSpace(opts.SessionID)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStates filters tasks by the provided states.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithSkill filters tasks by skill.
func WithSkill(skill string) ListOption {
	return func(opts *ListOptions) {
		opts.Skill = skill
	}
}

// WithSession filters tasks belonging to one session.
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) {
		opts.SessionID = sessionID
	}
}

// WithUpdatedSince filters tasks updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = ts
	}
}

// WithUpdatedUntil filters tasks updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedUntil = ts
	}
}

// WithArtifactPresence filters tasks by whether they produced artifacts.
func WithArtifactPresence(has bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasArtifacts = new(bool)
		*opts.HasArtifacts = has
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []State) []State {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[State]struct{}, len(input))
	result := make([]State, 0, len(input))
	for _, state := range input {
		if !IsValidState(state) {
			continue
		}
		if _, ok := seen[state]; ok {
			continue
		}
		seen[state] = struct{}{}
		result = append(result, state)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if task.Status.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Skill != "" && task.Skill != opts.Skill {
		return false
	}
	if opts.SessionID != "" && task.SessionID != opts.SessionID {
		return false
	}
	if !opts.UpdatedSince.IsZero() && task.UpdatedAt.Before(opts.UpdatedSince) {
		return false
	}
	if !opts.UpdatedUntil.IsZero() && task.UpdatedAt.After(opts.UpdatedUntil) {
		return false
	}
	if opts.HasArtifacts != nil && (len(task.Artifacts) > 0) != *opts.HasArtifacts {
		return false
	}
	return true
}
