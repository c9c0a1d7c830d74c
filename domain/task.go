package domain

import (
	"bytes"
	"strconv"

	"github.com/bytedance/sonic"
)

// Task is a single board item as returned by the project-management backend.
type Task struct {
	ID          int64    `json:"taskId"`
	Name        string   `json:"taskName"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority,omitempty"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
	ProjectID   int64    `json:"projectId"`
}

// Priority is kept as text. The backend has served it both as a number and
// as a label, so decoding accepts either.
type Priority string

func (p *Priority) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*p = Priority(s)
		return nil
	}
	*p = Priority(data)
	return nil
}

// MarshalJSON writes numeric priorities as JSON numbers and labels as
// strings.
func (p Priority) MarshalJSON() ([]byte, error) {
	if p.numeric() {
		return []byte(p), nil
	}
	return []byte(strconv.Quote(string(p))), nil
}

func (p Priority) numeric() bool {
	if p == "" {
		return false
	}
	first, last := p[0], p[len(p)-1]
	if first != '-' && (first < '0' || first > '9') {
		return false
	}
	return last >= '0' && last <= '9' && sonic.ValidString(string(p))
}

// Project groups tasks and members.
type Project struct {
	ID          int64  `json:"projectId"`
	Name        string `json:"projectName"`
	Description string `json:"description,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
}

// Member is a person that can be assigned to tasks of a project.
type Member struct {
	ID    int64  `json:"memberId"`
	Name  string `json:"memberName"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Assignment links a member to a task.
type Assignment struct {
	TaskID   int64 `json:"taskId"`
	MemberID int64 `json:"memberId"`
}

// Meeting is a scheduled project meeting.
type Meeting struct {
	ID          int64  `json:"meetingId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ProjectID   int64  `json:"projectId"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}
