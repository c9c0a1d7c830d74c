package backend

import (
	"context"
	"net/http"
	"net/url"

	"pms-board/domain"
)

// TasksByProject returns the tasks of a project in backend order.
func (c *Client) TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error) {
	var tasks []domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/GetByProject/{projectId}", "/api/tasks/GetByProject/"+id(projectID), nil, &tasks)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// SetTaskStatus persists a new status for the task. Only the outcome is used.
func (c *Client) SetTaskStatus(ctx context.Context, taskID int64, status domain.Status) error {
	path := "/api/tasks/SetTaskStatus/" + id(taskID) + "/" + url.PathEscape(string(status))
	return c.do(ctx, http.MethodPost, "/api/tasks/SetTaskStatus/{taskId}/{status}", path, nil, nil)
}

// Task returns a single task.
func (c *Client) Task(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/GetByTaskID/{taskId}", "/api/tasks/GetByTaskID/"+id(taskID), nil, &t)
	return t, err
}

// MarkAsDone asks the backend to complete the task.
func (c *Client) MarkAsDone(ctx context.Context, taskID int64) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/MarkAsDone/{taskId}", "/api/tasks/MarkAsDone/"+id(taskID), nil, nil)
}

// Projects lists every project.
func (c *Client) Projects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project
	if err := c.do(ctx, http.MethodGet, "/api/projects/fetchAll", "/api/projects/fetchAll", nil, &projects); err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return projects, nil
}

// Project returns one project.
func (c *Client) Project(ctx context.Context, projectID int64) (domain.Project, error) {
	var p domain.Project
	err := c.do(ctx, http.MethodGet, "/api/projects/fetchProject/{projectId}", "/api/projects/fetchProject/"+id(projectID), nil, &p)
	return p, err
}

// MembersByProject lists the members working on a project.
func (c *Client) MembersByProject(ctx context.Context, projectID int64) ([]domain.Member, error) {
	var members []domain.Member
	err := c.do(ctx, http.MethodGet, "/api/member/getMembersByProject/{projectId}", "/api/member/getMembersByProject/"+id(projectID), nil, &members)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []domain.Member{}
	}
	return members, nil
}

// UnassignedMembers lists project members not yet assigned to any task.
func (c *Client) UnassignedMembers(ctx context.Context, projectID int64) ([]domain.Member, error) {
	var members []domain.Member
	err := c.do(ctx, http.MethodGet, "/api/member/getUnassignedMembersByProject/{projectId}", "/api/member/getUnassignedMembersByProject/"+id(projectID), nil, &members)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []domain.Member{}
	}
	return members, nil
}

// Member returns a single member.
func (c *Client) Member(ctx context.Context, memberID int64) (domain.Member, error) {
	var m domain.Member
	err := c.do(ctx, http.MethodGet, "/api/member/getMember/{memberId}", "/api/member/getMember/"+id(memberID), nil, &m)
	return m, err
}

// AssignMember links a member to a task.
func (c *Client) AssignMember(ctx context.Context, a domain.Assignment) error {
	return c.do(ctx, http.MethodPost, "/api/assignMember/add", "/api/assignMember/add", a, nil)
}

// ScheduleMeeting creates a meeting and returns it with the id assigned by
// the backend.
func (c *Client) ScheduleMeeting(ctx context.Context, m domain.Meeting) (domain.Meeting, error) {
	req := m
	req.ID = 0
	var created domain.Meeting
	if err := c.do(ctx, http.MethodPost, "/api/meetings/schedule", "/api/meetings/schedule", req, &created); err != nil {
		return domain.Meeting{}, err
	}
	out := m
	out.ID = created.ID
	return out, nil
}
