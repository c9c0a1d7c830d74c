package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"pms-board/backend"
	"pms-board/board"
	"pms-board/domain"
	"pms-board/outbox"
)

type stubBackend struct {
	taskFn       func(ctx context.Context, taskID int64) (domain.Task, error)
	markAsDoneFn func(ctx context.Context, taskID int64) error
	projectsFn   func(ctx context.Context) ([]domain.Project, error)
	projectFn    func(ctx context.Context, projectID int64) (domain.Project, error)
	membersFn    func(ctx context.Context, projectID int64) ([]domain.Member, error)
	unassignedFn func(ctx context.Context, projectID int64) ([]domain.Member, error)
	assignFn     func(ctx context.Context, taskID int64, memberIDs []int64) ([]domain.Assignment, error)
	meetingFn    func(ctx context.Context, m domain.Meeting) (domain.Meeting, error)
}

func (s *stubBackend) Task(ctx context.Context, taskID int64) (domain.Task, error) {
	if s.taskFn == nil {
		return domain.Task{}, errors.New("unexpected Task call")
	}
	return s.taskFn(ctx, taskID)
}

func (s *stubBackend) MarkAsDone(ctx context.Context, taskID int64) error {
	if s.markAsDoneFn == nil {
		return errors.New("unexpected MarkAsDone call")
	}
	return s.markAsDoneFn(ctx, taskID)
}

func (s *stubBackend) Projects(ctx context.Context) ([]domain.Project, error) {
	if s.projectsFn == nil {
		return nil, errors.New("unexpected Projects call")
	}
	return s.projectsFn(ctx)
}

func (s *stubBackend) Project(ctx context.Context, projectID int64) (domain.Project, error) {
	if s.projectFn == nil {
		return domain.Project{}, errors.New("unexpected Project call")
	}
	return s.projectFn(ctx, projectID)
}

func (s *stubBackend) MembersByProject(ctx context.Context, projectID int64) ([]domain.Member, error) {
	if s.membersFn == nil {
		return nil, errors.New("unexpected MembersByProject call")
	}
	return s.membersFn(ctx, projectID)
}

func (s *stubBackend) UnassignedMembers(ctx context.Context, projectID int64) ([]domain.Member, error) {
	if s.unassignedFn == nil {
		return nil, errors.New("unexpected UnassignedMembers call")
	}
	return s.unassignedFn(ctx, projectID)
}

func (s *stubBackend) AssignMembers(ctx context.Context, taskID int64, memberIDs []int64) ([]domain.Assignment, error) {
	if s.assignFn == nil {
		return nil, errors.New("unexpected AssignMembers call")
	}
	return s.assignFn(ctx, taskID, memberIDs)
}

func (s *stubBackend) ScheduleMeeting(ctx context.Context, m domain.Meeting) (domain.Meeting, error) {
	if s.meetingFn == nil {
		return domain.Meeting{}, errors.New("unexpected ScheduleMeeting call")
	}
	return s.meetingFn(ctx, m)
}

type stubTasks struct {
	mu      sync.Mutex
	tasks   []domain.Task
	err     error
	evicted []int64
}

func (s *stubTasks) TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTasks) Evict(ctx context.Context, projectID int64) {
	s.mu.Lock()
	s.evicted = append(s.evicted, projectID)
	s.mu.Unlock()
}

type stubOutbox struct {
	mu      sync.Mutex
	changes []board.StatusChange
	err     error
	pending map[int64]bool
	// gate, when set, runs before a change is accepted.
	gate func(board.StatusChange)
}

func (s *stubOutbox) Enqueue(change board.StatusChange) error {
	if s.gate != nil {
		s.gate(change)
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.changes = append(s.changes, change)
	s.mu.Unlock()
	return nil
}

func (s *stubOutbox) Pending(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[taskID]
}

func (s *stubOutbox) Stats() outbox.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return outbox.Stats{QueueDepth: len(s.changes)}
}

func (s *stubOutbox) Changes() []board.StatusChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]board.StatusChange(nil), s.changes...)
}

type stubLayouts struct {
	mu    sync.Mutex
	saved map[int64]board.Layout
	load  board.Layout
}

func (s *stubLayouts) LoadLayout(ctx context.Context, projectID int64) (board.Layout, error) {
	return s.load, nil
}

func (s *stubLayouts) SaveLayout(ctx context.Context, projectID int64, layout board.Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[int64]board.Layout)
	}
	s.saved[projectID] = layout
	return nil
}

// headerAuth treats the bearer value as the user id.
type headerAuth struct{}

func (headerAuth) UserIDFromAuthHeader(h string) (string, error) {
	user := strings.TrimPrefix(h, "Bearer ")
	if user == "" || user == h {
		return "", errMissingAuthorization
	}
	return user, nil
}

type testEnv struct {
	e        *echo.Echo
	backend  *stubBackend
	tasks    *stubTasks
	outbox   *stubOutbox
	registry *board.Registry
	broker   *Broker
}

func newTestEnv(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	env := &testEnv{
		e:       echo.New(),
		backend: &stubBackend{},
		tasks: &stubTasks{tasks: []domain.Task{
			{ID: 1, Name: "Design", Status: domain.StatusToDo, ProjectID: 1},
			{ID: 2, Name: "Schema", Status: domain.StatusToDo, ProjectID: 1},
			{ID: 3, Name: "API", Status: domain.StatusPending, ProjectID: 1},
			{ID: 4, Name: "Release", Status: domain.StatusDone, ProjectID: 1},
		}},
		outbox:   &stubOutbox{},
		registry: board.NewRegistry(time.Hour),
		broker:   NewBroker(),
	}
	deps := Deps{
		Backend:  env.backend,
		Tasks:    env.tasks,
		Registry: env.registry,
		Outbox:   env.outbox,
		Broker:   env.broker,
		Auth:     headerAuth{},
		Logger:   logger,
	}
	if configure != nil {
		configure(&deps)
	}
	Register(env.e, deps)
	return env
}

func (env *testEnv) do(method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) openBoard(t *testing.T, user string) board.View {
	t.Helper()
	rec := env.do(http.MethodPost, "/api/boards/1", user, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open board: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var view board.View
	if err := sonic.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

type decodedMove struct {
	board.View
	Change *board.StatusChange `json:"change"`
	Error  string              `json:"error"`
}

func decodeMove(t *testing.T, rec *httptest.ResponseRecorder) decodedMove {
	t.Helper()
	var out decodedMove
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode move response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func columnIDs(t *testing.T, b *board.Board, name domain.Status) []int64 {
	t.Helper()
	col, ok := b.Column(name)
	if !ok {
		t.Fatalf("missing column %q", name)
	}
	ids := make([]int64, len(col.Tasks))
	for i, task := range col.Tasks {
		ids[i] = task.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const crossMove = `{"source":{"droppableId":"To Do","index":0},"destination":{"droppableId":"Pending","index":1}}`

func TestOpenBoardPartitionsTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")

	if view.SessionID == "" {
		t.Fatal("expected session id")
	}
	if got := columnIDs(t, view.Board, domain.StatusToDo); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("unexpected To Do column: %v", got)
	}
	if got := columnIDs(t, view.Board, domain.StatusDone); !equalIDs(got, []int64{4}) {
		t.Fatalf("unexpected Done column: %v", got)
	}

	rec := env.do(http.MethodGet, "/api/boards/"+view.SessionID, "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get board: unexpected status %d", rec.Code)
	}
}

func TestOpenBoardAppliesSavedLayout(t *testing.T) {
	layouts := &stubLayouts{load: board.Layout{domain.StatusToDo: {2, 1}}}
	env := newTestEnv(t, func(d *Deps) { d.Layouts = layouts })
	view := env.openBoard(t, "alice")
	if got := columnIDs(t, view.Board, domain.StatusToDo); !equalIDs(got, []int64{2, 1}) {
		t.Fatalf("layout not applied: %v", got)
	}
}

func TestOpenBoardBackendFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tasks.err = errors.New("connection refused")

	rec := env.do(http.MethodPost, "/api/boards/1", "alice", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("expected textual error, got %q", rec.Body.String())
	}
	if env.registry.Len() != 0 {
		t.Fatal("no session should be opened on fetch failure")
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(http.MethodPost, "/api/boards/1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need auth, got %d", rec.Code)
	}
}

func TestMoveAcrossColumnsQueuesStatusChange(t *testing.T) {
	layouts := &stubLayouts{}
	env := newTestEnv(t, func(d *Deps) { d.Layouts = layouts })
	view := env.openBoard(t, "alice")

	rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", crossMove)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeMove(t, rec)
	if out.Change == nil || out.Change.TaskID != 1 || out.Change.From != domain.StatusToDo || out.Change.To != domain.StatusPending {
		t.Fatalf("unexpected change: %#v", out.Change)
	}
	if got := columnIDs(t, out.Board, domain.StatusPending); !equalIDs(got, []int64{3, 1}) {
		t.Fatalf("unexpected Pending column: %v", got)
	}
	if out.Sync[1].State != board.SyncPending {
		t.Fatalf("expected pending sync state, got %#v", out.Sync[1])
	}

	changes := env.outbox.Changes()
	if len(changes) != 1 || changes[0].SessionID != view.SessionID || changes[0].TaskID != 1 {
		t.Fatalf("unexpected queued changes: %#v", changes)
	}
	if saved := layouts.saved[1]; !equalIDs(saved[domain.StatusPending], []int64{3, 1}) {
		t.Fatalf("layout not saved: %#v", layouts.saved)
	}
}

func TestMoveWithinColumnDoesNotQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")

	body := `{"source":{"droppableId":"To Do","index":0},"destination":{"droppableId":"To Do","index":1}}`
	rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeMove(t, rec)
	if out.Change != nil {
		t.Fatalf("reorder must not produce a change: %#v", out.Change)
	}
	if got := columnIDs(t, out.Board, domain.StatusToDo); !equalIDs(got, []int64{2, 1}) {
		t.Fatalf("unexpected To Do column: %v", got)
	}
	if len(env.outbox.Changes()) != 0 {
		t.Fatal("outbox must stay empty")
	}
}

func TestMoveCancelledDropIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")

	body := `{"source":{"droppableId":"To Do","index":0},"destination":null}`
	rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeMove(t, rec)
	if got := columnIDs(t, out.Board, domain.StatusToDo); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("board changed on cancelled drop: %v", got)
	}
}

func TestMoveRejectsInvalidLocations(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")

	bodies := []string{
		`{"source":{"droppableId":"To Do","index":5},"destination":{"droppableId":"Done","index":0}}`,
		`{"source":{"droppableId":"Blocked","index":0},"destination":{"droppableId":"Done","index":0}}`,
		`{"destination":{"droppableId":"Done","index":0}}`,
	}
	for _, body := range bodies {
		rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", body, rec.Code)
		}
	}
	if rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestMoveRevertedWhenOutboxSaturated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.outbox.err = outbox.ErrSaturated
	view := env.openBoard(t, "alice")

	rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", crossMove)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	out := decodeMove(t, rec)
	if got := columnIDs(t, out.Board, domain.StatusToDo); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("move not reverted: %v", got)
	}
	if out.Sync[1].State != board.SyncFailed {
		t.Fatalf("expected failed sync state, got %#v", out.Sync[1])
	}
	if out.Error == "" {
		t.Fatal("expected error message")
	}
}

func TestConcurrentMovesOfOneTaskQueueInOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")
	path := "/api/boards/" + view.SessionID + "/moves"

	entered := make(chan struct{})
	release := make(chan struct{})
	env.outbox.gate = func(c board.StatusChange) {
		if c.Seq == 1 {
			close(entered)
			<-release
		}
	}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		codes[0] = env.do(http.MethodPost, path, "alice", crossMove).Code
	}()
	<-entered
	go func() {
		defer wg.Done()
		codes[1] = env.do(http.MethodPost, path, "alice",
			`{"source":{"droppableId":"Pending","index":1},"destination":{"droppableId":"Done","index":0}}`).Code
	}()
	time.Sleep(20 * time.Millisecond)
	early := len(env.outbox.Changes())
	close(release)
	wg.Wait()

	if early != 0 {
		t.Fatalf("second move reached the outbox before the first")
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted {
		t.Fatalf("expected both moves accepted, got %v", codes)
	}
	changes := env.outbox.Changes()
	if len(changes) != 2 {
		t.Fatalf("expected 2 queued changes, got %d", len(changes))
	}
	if changes[0].Seq != 1 || changes[0].To != domain.StatusPending || changes[1].Seq != 2 || changes[1].To != domain.StatusDone {
		t.Fatalf("changes queued out of order: %#v", changes)
	}
	if changes[0].TaskID != 1 || changes[1].TaskID != 1 {
		t.Fatalf("expected both changes for task 1: %#v", changes)
	}

	for _, c := range changes {
		env.registry.Resolve(c, nil)
	}
	s, err := env.registry.Get(view.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	v := s.View()
	if rec := v.Sync[1]; rec.State != board.SyncCommitted || rec.Committed != domain.StatusDone {
		t.Fatalf("unexpected sync record: %#v", rec)
	}
	if got := columnIDs(t, v.Board, domain.StatusDone); !equalIDs(got, []int64{1, 4}) {
		t.Fatalf("unexpected Done column: %v", got)
	}
}

func TestMarkDoneRejectedWhileStatusUpdateQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	env.outbox.pending = map[int64]bool{3: true}
	env.backend.markAsDoneFn = func(context.Context, int64) error {
		t.Fatal("backend must not be called while an update is queued")
		return nil
	}

	rec := env.do(http.MethodPost, "/api/tasks/3/done", "alice", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestMoveIdempotencyKey(t *testing.T) {
	m, client := newTestRedis(t)
	env := newTestEnv(t, func(d *Deps) { d.Deduper = NewRedisDeduper(client, time.Minute) })
	view := env.openBoard(t, "alice")
	path := "/api/boards/" + view.SessionID + "/moves"

	first := env.do(http.MethodPost, path, "alice", crossMove, headerIdempotencyKey, "drag-1")
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	retry := env.do(http.MethodPost, path, "alice", crossMove, headerIdempotencyKey, "drag-1")
	if retry.Code != http.StatusOK {
		t.Fatalf("expected 200 for replayed move, got %d", retry.Code)
	}
	if n := len(env.outbox.Changes()); n != 1 {
		t.Fatalf("replayed move must not be queued again, queued %d", n)
	}
	out := decodeMove(t, retry)
	if got := columnIDs(t, out.Board, domain.StatusPending); !equalIDs(got, []int64{3, 1}) {
		t.Fatalf("replay should return the current board, got %v", got)
	}

	if rec := env.do(http.MethodDelete, "/api/boards/"+view.SessionID, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("close: %d", rec.Code)
	}
	if m.Exists("board:session:" + view.SessionID + ":moves") {
		t.Fatal("closing the board must drop its move keys")
	}
}

func TestSessionsAreScopedToCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")

	if rec := env.do(http.MethodGet, "/api/boards/"+view.SessionID, "bob", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another caller, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/boards/missing", "alice", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/boards/"+view.SessionID, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on close, got %d", rec.Code)
	}
	if env.registry.Len() != 0 {
		t.Fatal("session should be closed")
	}
}

func TestMarkDone(t *testing.T) {
	env := newTestEnv(t, nil)
	var marked int64
	env.backend.taskFn = func(ctx context.Context, id int64) (domain.Task, error) {
		if id == 4 {
			return domain.Task{ID: 4, Status: domain.StatusDone, ProjectID: 1}, nil
		}
		return domain.Task{ID: id, Status: domain.StatusPending, ProjectID: 1}, nil
	}
	env.backend.markAsDoneFn = func(ctx context.Context, id int64) error {
		marked = id
		return nil
	}

	if rec := env.do(http.MethodPost, "/api/tasks/4/done", "alice", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for done task, got %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/tasks/3/done", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if marked != 3 {
		t.Fatalf("expected task 3 marked, got %d", marked)
	}
	if len(env.tasks.evicted) != 1 || env.tasks.evicted[0] != 1 {
		t.Fatalf("expected project cache eviction, got %v", env.tasks.evicted)
	}
}

func TestTaskNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.taskFn = func(context.Context, int64) (domain.Task, error) {
		return domain.Task{}, &backend.StatusError{Method: http.MethodGet, Route: "/api/tasks/GetByTaskID/{taskId}", Code: http.StatusNotFound}
	}
	if rec := env.do(http.MethodGet, "/api/tasks/99", "alice", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/tasks/abc", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestProjectDetails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.projectFn = func(ctx context.Context, id int64) (domain.Project, error) {
		return domain.Project{ID: id, Name: "Apollo"}, nil
	}
	env.backend.membersFn = func(ctx context.Context, id int64) ([]domain.Member, error) {
		return []domain.Member{{ID: 7, Name: "Ada"}}, nil
	}

	rec := env.do(http.MethodGet, "/api/projects/1", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out projectDetailsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Project.Name != "Apollo" || len(out.Tasks) != 4 || len(out.Members) != 1 {
		t.Fatalf("unexpected details: %#v", out)
	}
}

func TestAssignMembers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.assignFn = func(ctx context.Context, taskID int64, ids []int64) ([]domain.Assignment, error) {
		if len(ids) == 0 {
			return nil, backend.ErrNoMembers
		}
		out := make([]domain.Assignment, len(ids))
		for i, id := range ids {
			out[i] = domain.Assignment{TaskID: taskID, MemberID: id}
		}
		return out, nil
	}

	if rec := env.do(http.MethodPost, "/api/tasks/3/members", "alice", `{"memberIds":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without members, got %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/tasks/3/members", "alice", `{"memberIds":[5,6]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var out assignResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Assigned) != 2 || out.Assigned[1].MemberID != 6 {
		t.Fatalf("unexpected assignments: %#v", out.Assigned)
	}
}

func TestScheduleMeeting(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.meetingFn = func(ctx context.Context, m domain.Meeting) (domain.Meeting, error) {
		m.ID = 42
		return m, nil
	}

	if rec := env.do(http.MethodPost, "/api/meetings", "alice", `{"title":"","projectId":1,"date":"2024-05-01","time":"10:00"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid meeting, got %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/meetings", "alice", `{"title":"Sprint review","description":"demo","projectId":1,"date":"2024-05-01","time":"10:00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out domain.Meeting
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != 42 || out.Title != "Sprint review" {
		t.Fatalf("unexpected meeting: %#v", out)
	}
}

func TestStreamBoardPushesSettledOutcomes(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	view := env.openBoard(t, "alice")
	rec := env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", crossMove)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("move: unexpected status %d", rec.Code)
	}
	change := env.outbox.Changes()[0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/boards/"+view.SessionID+"/stream?token=alice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	name, first := readEvent(t, reader)
	if name != "board" || first.Sync[1].State != board.SyncPending {
		t.Fatalf("unexpected first event %q: %#v", name, first.Sync)
	}

	syncer := &Syncer{Registry: env.registry, Broker: env.broker, Cache: env.tasks}
	syncer.Handle(outbox.Outcome{Change: change, Err: errors.New("backend unavailable"), Attempts: 5})

	name, next := readEvent(t, reader)
	if name != "board" || next.Sync[1].State != board.SyncFailed {
		t.Fatalf("unexpected second event %q: %#v", name, next.Sync)
	}
	if got := columnIDs(t, next.Board, domain.StatusToDo); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("failed move should be reverted in stream, got %v", got)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (string, board.View) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var view board.View
			if err := sonic.UnmarshalString(data, &view); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return name, view
		}
	}
}

func TestUnassignedMembersUsesTaskProject(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.taskFn = func(ctx context.Context, id int64) (domain.Task, error) {
		return domain.Task{ID: id, ProjectID: 7}, nil
	}
	var asked int64
	env.backend.unassignedFn = func(ctx context.Context, projectID int64) ([]domain.Member, error) {
		asked = projectID
		return []domain.Member{{ID: 3, Name: "Grace"}}, nil
	}

	rec := env.do(http.MethodGet, "/api/tasks/5/members", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if asked != 7 {
		t.Fatalf("expected members of project 7, got %d", asked)
	}
	var members []domain.Member
	if err := sonic.Unmarshal(rec.Body.Bytes(), &members); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(members) != 1 || members[0].Name != "Grace" {
		t.Fatalf("unexpected members: %#v", members)
	}
}

func TestListProjectsMapsBackendErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.projectsFn = func(context.Context) ([]domain.Project, error) {
		return nil, context.DeadlineExceeded
	}
	if rec := env.do(http.MethodGet, "/api/projects", "alice", ""); rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}

	env.backend.projectsFn = func(context.Context) ([]domain.Project, error) {
		return nil, &backend.StatusError{Method: http.MethodGet, Route: "/api/projects/fetchAll", Code: http.StatusInternalServerError}
	}
	if rec := env.do(http.MethodGet, "/api/projects", "alice", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestOutboxStats(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.openBoard(t, "alice")
	env.do(http.MethodPost, "/api/boards/"+view.SessionID+"/moves", "alice", crossMove)

	rec := env.do(http.MethodGet, "/api/outbox", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats outbox.Stats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %#v", stats)
	}
}
