package service

import (
	"fmt"
	"strings"
)

// ElectionForm is the input of vote creation
type ElectionForm struct {
	Name      string   `json:"name"`
	StartTime int64    `json:"startTime"` // epoch seconds, 0 means now
	Duration  int64    `json:"duration"`  // seconds
	GroupID   int64    `json:"groupId"`
	Options   []string `json:"options"`
}

// GroupSummary describes one group a manager can address
type GroupSummary struct {
	ID      int64 `json:"id"`
	Members int   `json:"members"`
}

// ElectionFormView is what the form needs before submission
type ElectionFormView struct {
	Contract   string         `json:"contract"`
	Groups     []GroupSummary `json:"groups"`
	NextVoteID int64          `json:"nextVoteId"`
}

// Normalize trims the name and options and drops blank options
func (f *ElectionForm) Normalize() {
	f.Name = strings.TrimSpace(f.Name)
	options := make([]string, 0, len(f.Options))
	for _, o := range f.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	f.Options = options
}

// Validate checks the form against the groups the manager owns
func (f *ElectionForm) Validate(groups []int64) error {
	f.Normalize()

	if f.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidForm)
	}
	if f.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidForm)
	}
	if f.StartTime < 0 {
		return fmt.Errorf("%w: start time must not be negative", ErrInvalidForm)
	}
	if len(f.Options) < 2 {
		return fmt.Errorf("%w: at least two options are required", ErrInvalidForm)
	}
	seen := make(map[string]struct{}, len(f.Options))
	for _, o := range f.Options {
		if _, dup := seen[o]; dup {
			return fmt.Errorf("%w: duplicate option %q", ErrInvalidForm, o)
		}
		seen[o] = struct{}{}
	}
	for _, g := range groups {
		if g == f.GroupID {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown group %d", ErrInvalidForm, f.GroupID)
}
