package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pms-board/domain"
)

var ErrNoMembers = errors.New("no members selected")

// AssignMembers resolves each selected member and assigns all of them to the
// task concurrently. Every failure is reported; successful assignments are
// returned either way.
func (c *Client) AssignMembers(ctx context.Context, taskID int64, memberIDs []int64) ([]domain.Assignment, error) {
	if len(memberIDs) == 0 {
		return nil, ErrNoMembers
	}

	resolved := make([]int64, 0, len(memberIDs))
	seen := make(map[int64]struct{}, len(memberIDs))
	for _, mid := range memberIDs {
		if _, dup := seen[mid]; dup {
			continue
		}
		seen[mid] = struct{}{}
		m, err := c.Member(ctx, mid)
		if err != nil {
			return nil, fmt.Errorf("resolve member %d: %w", mid, err)
		}
		resolved = append(resolved, m.ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done []domain.Assignment
		errs []error
	)
	for _, mid := range resolved {
		wg.Add(1)
		go func(a domain.Assignment) {
			defer wg.Done()
			err := c.AssignMember(ctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("assign member %d: %w", a.MemberID, err))
				return
			}
			done = append(done, a)
		}(domain.Assignment{TaskID: taskID, MemberID: mid})
	}
	wg.Wait()
	return done, errors.Join(errs...)
}
