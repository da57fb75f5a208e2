package service

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/model"
	"assignment_backend/internal/repository"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// memStore is an in-memory stand-in for every repository the services use.
type memStore struct {
	mu            sync.Mutex
	assignments   map[string]*model.Assignment
	questions     map[string][]model.Question
	attempts      map[string]*model.Attempt
	answers       map[string]*model.Answer // attempt|question
	reviews       map[string]*model.Review // attempt id
	users         map[string]*model.User
	admins        []model.InstituteAdmin
	notifications []model.Notification

	upserts        []model.Answer
	refusedUpserts int
	publishCount   int
	seq            int

	failUpsert   error
	failFinalize error
	failNotify   error
}

func newMemStore() *memStore {
	return &memStore{
		assignments: make(map[string]*model.Assignment),
		questions:   make(map[string][]model.Question),
		attempts:    make(map[string]*model.Attempt),
		answers:     make(map[string]*model.Answer),
		reviews:     make(map[string]*model.Review),
		users:       make(map[string]*model.User),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func answerKey(attemptID, questionID string) string {
	return attemptID + "|" + questionID
}

func (m *memStore) FindAssignment(_ context.Context, id string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListQuestions(_ context.Context, assignmentID string) ([]model.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := append([]model.Question(nil), m.questions[assignmentID]...)
	sort.Slice(qs, func(i, j int) bool { return qs[i].OrderIndex < qs[j].OrderIndex })
	return qs, nil
}

func (m *memStore) ListAssignments(_ context.Context, instituteID string, page, limit int) ([]repository.AssignmentListRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []repository.AssignmentListRow
	for id, a := range m.assignments {
		if instituteID != "" && (a.InstituteID == nil || *a.InstituteID != instituteID) {
			continue
		}
		rows = append(rows, repository.AssignmentListRow{Assignment: *a, QuestionCount: len(m.questions[id])})
	}
	return rows, int64(len(rows)), nil
}

func (m *memStore) SaveAssignment(_ context.Context, a *model.Assignment, qs []model.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.nextID("asg")
	}
	cp := *a
	m.assignments[a.ID] = &cp
	if qs == nil {
		return nil
	}
	for i := range qs {
		if qs[i].ID == "" {
			qs[i].ID = m.nextID("q")
		}
		qs[i].AssignmentID = a.ID
	}
	m.questions[a.ID] = append([]model.Question(nil), qs...)
	return nil
}

func (m *memStore) HasAttempts(_ context.Context, assignmentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, at := range m.attempts {
		if at.AssignmentID == assignmentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DeleteAssignment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, id)
	delete(m.questions, id)
	return nil
}

func (m *memStore) CreateAttempt(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.nextID("att")
	}
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *memStore) FindAttempt(_ context.Context, id string) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) FindAttemptForUser(ctx context.Context, userID, id string) (*model.Attempt, error) {
	a, err := m.FindAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (m *memStore) FindStartedAttempt(_ context.Context, userID, assignmentID string) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.UserID == userID && a.AssignmentID == assignmentID && a.Status == model.AttemptStarted {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) CountAttempts(_ context.Context, userID, assignmentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.attempts {
		if a.UserID == userID && a.AssignmentID == assignmentID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListAnswers(_ context.Context, attemptID string) ([]model.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Answer
	for _, a := range m.answers {
		if a.AttemptID == attemptID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpsertAnswer(_ context.Context, answer *model.Answer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return false, m.failUpsert
	}
	if a, ok := m.attempts[answer.AttemptID]; !ok || a.Status != model.AttemptStarted {
		m.refusedUpserts++
		return false, nil
	}
	m.upserts = append(m.upserts, *answer)
	key := answerKey(answer.AttemptID, answer.QuestionID)
	if existing, ok := m.answers[key]; ok {
		existing.Response = answer.Response
		return true, nil
	}
	if answer.ID == "" {
		answer.ID = m.nextID("ans")
	}
	cp := *answer
	m.answers[key] = &cp
	return true, nil
}

func (m *memStore) FinalizeAttempt(_ context.Context, attempt *model.Attempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFinalize != nil {
		return false, m.failFinalize
	}
	stored, ok := m.attempts[attempt.ID]
	if !ok || stored.Status != model.AttemptStarted {
		return false, nil
	}
	stored.Status = attempt.Status
	stored.SubmittedAt = attempt.SubmittedAt
	stored.TimeUsedSeconds = attempt.TimeUsedSeconds
	stored.ReviewStatus = attempt.ReviewStatus
	return true, nil
}

func (m *memStore) MarkInReview(_ context.Context, attemptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[attemptID]; ok && a.ReviewStatus == model.ReviewPending {
		a.ReviewStatus = model.ReviewInReview
	}
	return nil
}

func (m *memStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attempt
	for _, a := range m.attempts {
		if a.Status == model.AttemptStarted && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			out = append(out, *a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListSubmissions(_ context.Context, f repository.SubmissionFilter) ([]repository.SubmissionRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []repository.SubmissionRow
	for _, a := range m.attempts {
		if !a.Status.Reviewable() {
			continue
		}
		u := m.users[a.UserID]
		if u == nil || u.InstituteID == nil || !containsString(f.InstituteIDs, *u.InstituteID) {
			continue
		}
		if f.ReviewStatus != "" && a.ReviewStatus != f.ReviewStatus {
			continue
		}
		title := m.assignments[a.AssignmentID].Title
		if f.Search != "" && !strings.Contains(title, f.Search) && !strings.Contains(u.Name, f.Search) && !strings.Contains(u.Email, f.Search) {
			continue
		}
		rows = append(rows, repository.SubmissionRow{
			AttemptID:       a.ID,
			AssignmentID:    a.AssignmentID,
			AssignmentTitle: title,
			UserID:          u.ID,
			StudentName:     u.Name,
			StudentEmail:    u.Email,
			Status:          a.Status,
			ReviewStatus:    a.ReviewStatus,
		})
	}
	return rows, int64(len(rows)), nil
}

func (m *memStore) FindReview(_ context.Context, attemptID string) (*model.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[attemptID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) PublishReview(_ context.Context, review *model.Review, attempt *model.Attempt, answers []model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCount++
	if existing, ok := m.reviews[attempt.ID]; ok {
		review.ID = existing.ID
	} else if review.ID == "" {
		review.ID = m.nextID("rev")
	}
	cp := *review
	m.reviews[attempt.ID] = &cp
	for _, a := range answers {
		stored := m.answers[answerKey(a.AttemptID, a.QuestionID)]
		if stored == nil {
			continue
		}
		stored.MarksAwarded = a.MarksAwarded
		stored.IsCorrect = a.IsCorrect
		stored.Feedback = a.Feedback
	}
	stored := m.attempts[attempt.ID]
	stored.ScorePoints = attempt.ScorePoints
	stored.ScoreNumeric = attempt.ScoreNumeric
	stored.ReviewStatus = model.ReviewPublished
	return nil
}

func (m *memStore) FindUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) ActiveAdminIDs(_ context.Context, instituteID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, ia := range m.admins {
		u := m.users[ia.UserID]
		if ia.InstituteID == instituteID && ia.IsActive && u != nil && !u.Disabled {
			ids = append(ids, ia.UserID)
		}
	}
	return ids, nil
}

func (m *memStore) ManagedInstituteIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, ia := range m.admins {
		if ia.UserID == userID && ia.IsActive {
			ids = append(ids, ia.InstituteID)
		}
	}
	return ids, nil
}

func (m *memStore) CreateNotifications(_ context.Context, ns []model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNotify != nil {
		return m.failNotify
	}
	m.notifications = append(m.notifications, ns...)
	return nil
}

func (m *memStore) attempt(id string) model.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.attempts[id]
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserts)
}

func (m *memStore) refusedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refusedUpserts
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var errStoreDown = errors.New("connection refused")

// fixture is a published, 30 minute assignment with two mcq questions and
// one descriptive question, a student of inst-1 and an admin of inst-1.
type fixture struct {
	store      *memStore
	svc        *AttemptService
	reviews    *ReviewService
	clock      *fakeClock
	assignment *model.Assignment
	questions  []model.Question
}

const (
	studentID  = "student-1"
	adminID    = "admin-1"
	outsiderID = "admin-2"
	instituteA = "inst-1"
	instituteB = "inst-2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

func newFixture() *fixture {
	store := newMemStore()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	store.users[studentID] = &model.User{UUIDBase: model.UUIDBase{ID: studentID}, Name: "Ada", Email: "ada@example.com", Role: model.Student, InstituteID: strptr(instituteA)}
	store.users[adminID] = &model.User{UUIDBase: model.UUIDBase{ID: adminID}, Name: "Grace", Email: "grace@example.com", Role: model.Reviewer, InstituteID: strptr(instituteA)}
	store.users[outsiderID] = &model.User{UUIDBase: model.UUIDBase{ID: outsiderID}, Name: "Linus", Email: "linus@example.com", Role: model.Reviewer, InstituteID: strptr(instituteB)}
	store.admins = []model.InstituteAdmin{
		{InstituteID: instituteA, UserID: adminID, IsActive: true},
		{InstituteID: instituteB, UserID: outsiderID, IsActive: true},
	}

	assignment := &model.Assignment{
		UUIDBase:        model.UUIDBase{ID: "asg-1"},
		Title:           "Career readiness",
		DurationMinutes: intptr(30),
		MaxAttempts:     2,
		IsPublished:     true,
		InstituteID:     strptr(instituteA),
	}
	store.assignments[assignment.ID] = assignment
	questions := []model.Question{
		{UUIDBase: model.UUIDBase{ID: "q1"}, AssignmentID: "asg-1", Kind: model.QuestionMCQ, Prompt: "Pick one",
			Options: encodeStrings([]string{"a", "b", "c"}), CorrectAnswers: encodeStrings([]string{"b"}), Marks: 5, OrderIndex: 0},
		{UUIDBase: model.UUIDBase{ID: "q2"}, AssignmentID: "asg-1", Kind: model.QuestionMCQ, Prompt: "Pick another",
			Options: encodeStrings([]string{"x", "y"}), CorrectAnswers: encodeStrings([]string{"x"}), Marks: 5, OrderIndex: 1},
		{UUIDBase: model.UUIDBase{ID: "q3"}, AssignmentID: "asg-1", Kind: model.QuestionDescriptive, Prompt: "Explain",
			Marks: 10, OrderIndex: 2},
	}
	store.questions[assignment.ID] = questions

	cfg := config.DefaultAttemptConfig()
	notifier := NewNotificationService(store, store)
	svc := NewAttemptService(store, store, store, notifier, NewMemoryExpiryLatch(cfg.LatchTTL), cfg)
	svc.Now = clock.Now

	reviews := NewReviewService(store, store, store, store, nil)
	reviews.Now = clock.Now

	return &fixture{
		store:      store,
		svc:        svc,
		reviews:    reviews,
		clock:      clock,
		assignment: assignment,
		questions:  questions,
	}
}

// manualScheduler replaces time.AfterFunc so debounce tests control time.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (s *manualScheduler) schedule(_ time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

// elapse fires every timer that is still armed, as if the quiet period ran out.
func (s *manualScheduler) elapse() {
	s.mu.Lock()
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (s *manualScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
