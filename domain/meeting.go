package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidMeeting = errors.New("invalid meeting")

// Validate checks the fields the backend requires to schedule a meeting.
func (m Meeting) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidMeeting)
	}
	if m.ProjectID <= 0 {
		return fmt.Errorf("%w: project is required", ErrInvalidMeeting)
	}
	if _, err := time.Parse("2006-01-02", m.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidMeeting)
	}
	if _, err := time.Parse("15:04", m.Time); err != nil {
		return fmt.Errorf("%w: time must be HH:MM", ErrInvalidMeeting)
	}
	return nil
}
