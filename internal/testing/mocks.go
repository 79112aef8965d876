package testutil

import (
	"context"
	"fmt"
	"sync"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/models"
	"microtask-settlement/internal/notify"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/events"
)

// MockRepository is an in-memory domain.Repository with call counters.
// It also doubles as a UnitOfWork/UnitOfWorkFactory: Begin hands back the
// same instance, so tests observe all writes in one place.
type MockRepository struct {
	Mu sync.Mutex

	Submissions map[int64]*models.Submission
	Tasks       map[int64]*models.TaskRecord
	Payments    map[string]*models.PaymentRecord
	Users       map[int64]*models.User

	Calls map[string]int

	// Errs forces an error return from the named method.
	Errs map[string]error
}

var (
	_ domain.Repository        = (*MockRepository)(nil)
	_ domain.UnitOfWorkFactory = (*MockRepository)(nil)
	_ domain.UnitOfWork        = mockUOW{}
)

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Submissions: map[int64]*models.Submission{},
		Tasks:       map[int64]*models.TaskRecord{},
		Payments:    map[string]*models.PaymentRecord{},
		Users:       map[int64]*models.User{},
		Calls:       map[string]int{},
		Errs:        map[string]error{},
	}
}

func payKey(taskID, workerID int64) string { return fmt.Sprintf("%d/%d", taskID, workerID) }

func (m *MockRepository) touch(method string) error {
	m.Calls[method]++
	return m.Errs[method]
}

// CallCount returns how many times the named method ran.
func (m *MockRepository) CallCount(method string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Calls[method]
}

// UnitOfWorkFactory / UnitOfWork plumbing. The factory hands back a wrapper
// over the same instance, so tests observe transactional writes in place.

type mockUOW struct{ *MockRepository }

func (u mockUOW) Begin(ctx context.Context) error { return nil }

func (m *MockRepository) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("Begin"); err != nil {
		return nil, err
	}
	return mockUOW{m}, nil
}

func (m *MockRepository) Commit() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.touch("Commit")
}

func (m *MockRepository) Rollback() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.touch("Rollback")
}

// SubmissionRepository

func (m *MockRepository) CreateSubmissionCtx(ctx context.Context, s *models.Submission) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("CreateSubmissionCtx"); err != nil {
		return 0, err
	}
	cp := *s
	cp.ID = int64(len(m.Submissions) + 1)
	cp.VerificationStatus = models.StatusPending
	m.Submissions[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MockRepository) GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetSubmissionCtx"); err != nil {
		return nil, err
	}
	s, ok := m.Submissions[id]
	if !ok {
		return nil, errs.NewValidation("testutil.GetSubmissionCtx", fmt.Sprintf("submission %d not found", id), nil)
	}
	cp := *s
	return &cp, nil
}

func (m *MockRepository) GetPendingSubmissionsCtx(ctx context.Context, limit int) ([]models.Submission, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetPendingSubmissionsCtx"); err != nil {
		return nil, err
	}
	var out []models.Submission
	for _, s := range m.Submissions {
		if s.VerificationStatus == models.StatusPending {
			out = append(out, *s)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockRepository) GetPipelineStatsCtx(ctx context.Context) (*models.PipelineStats, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetPipelineStatsCtx"); err != nil {
		return nil, err
	}
	stats := &models.PipelineStats{}
	for _, s := range m.Submissions {
		stats.Total++
		switch s.VerificationStatus {
		case models.StatusPending:
			stats.Pending++
		case models.StatusApproved:
			stats.Approved++
		case models.StatusRejected:
			stats.Rejected++
		}
		if s.NeedsManualReview {
			stats.ManualReview++
		}
	}
	return stats, nil
}

func (m *MockRepository) UpdateSubmissionStatusCtx(ctx context.Context, id int64, status models.SubmissionStatus) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("UpdateSubmissionStatusCtx"); err != nil {
		return err
	}
	if s, ok := m.Submissions[id]; ok {
		s.VerificationStatus = status
	}
	return nil
}

func (m *MockRepository) UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("UpdateSubmissionOutcomeCtx"); err != nil {
		return err
	}
	if s, ok := m.Submissions[id]; ok {
		s.VerificationStatus = status
	}
	return nil
}

func (m *MockRepository) SetSubmissionTxHashCtx(ctx context.Context, id int64, txHash string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("SetSubmissionTxHashCtx"); err != nil {
		return err
	}
	if s, ok := m.Submissions[id]; ok {
		s.PaymentTxHash = &txHash
	}
	return nil
}

func (m *MockRepository) MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("MarkManualReviewCtx"); err != nil {
		return err
	}
	if s, ok := m.Submissions[id]; ok {
		s.VerificationStatus = models.StatusPending
		s.NeedsManualReview = true
		s.LastError = &lastError
	}
	return nil
}

// TaskRepository

func (m *MockRepository) GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetTaskCtx"); err != nil {
		return nil, err
	}
	t, ok := m.Tasks[id]
	if !ok {
		return nil, errs.NewValidation("testutil.GetTaskCtx", fmt.Sprintf("task %d not found", id), nil)
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) GetTasksByStatusCtx(ctx context.Context, status models.TaskStatus, limit int) ([]models.TaskRecord, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetTasksByStatusCtx"); err != nil {
		return nil, err
	}
	var out []models.TaskRecord
	for _, t := range m.Tasks {
		if t.Status == status {
			out = append(out, *t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockRepository) UpdateTaskStatusCtx(ctx context.Context, id int64, status models.TaskStatus) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("UpdateTaskStatusCtx"); err != nil {
		return err
	}
	if t, ok := m.Tasks[id]; ok {
		t.Status = status
	}
	return nil
}

// PaymentRepository

func (m *MockRepository) CreatePaymentCtx(ctx context.Context, p *models.PaymentRecord) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("CreatePaymentCtx"); err != nil {
		return 0, err
	}
	cp := *p
	cp.ID = int64(len(m.Payments) + 1)
	m.Payments[payKey(p.TaskID, p.WorkerID)] = &cp
	return cp.ID, nil
}

func (m *MockRepository) GetPaymentCtx(ctx context.Context, taskID, workerID int64) (*models.PaymentRecord, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetPaymentCtx"); err != nil {
		return nil, err
	}
	p, ok := m.Payments[payKey(taskID, workerID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) CompletePaymentCtx(ctx context.Context, taskID, workerID int64, txHash string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("CompletePaymentCtx"); err != nil {
		return err
	}
	if p, ok := m.Payments[payKey(taskID, workerID)]; ok && p.Status == models.PaymentPending {
		p.Status = models.PaymentCompleted
		p.TxHash = &txHash
	}
	return nil
}

func (m *MockRepository) FailPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("FailPaymentCtx"); err != nil {
		return err
	}
	if p, ok := m.Payments[payKey(taskID, workerID)]; ok && p.Status == models.PaymentPending {
		p.Status = models.PaymentFailed
	}
	return nil
}

func (m *MockRepository) DeletePendingPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("DeletePendingPaymentCtx"); err != nil {
		return err
	}
	if p, ok := m.Payments[payKey(taskID, workerID)]; ok && p.Status == models.PaymentPending {
		delete(m.Payments, payKey(taskID, workerID))
	}
	return nil
}

// UserRepository

func (m *MockRepository) GetUserCtx(ctx context.Context, id int64) (*models.User, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("GetUserCtx"); err != nil {
		return nil, err
	}
	u, ok := m.Users[id]
	if !ok {
		return nil, errs.NewValidation("testutil.GetUserCtx", fmt.Sprintf("user %d not found", id), nil)
	}
	cp := *u
	return &cp, nil
}

func (m *MockRepository) AddEarningsCtx(ctx context.Context, userID int64, amount string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.touch("AddEarningsCtx"); err != nil {
		return err
	}
	if u, ok := m.Users[userID]; ok {
		u.TotalTasksCompleted++
		u.TotalEarnings = amount // last credit; enough for assertions
	}
	return nil
}

// MockEscrowClient implements escrow.Client for tests.
type MockEscrowClient struct {
	Mu sync.Mutex

	States map[int64]*escrow.TaskState

	ApproveTx  string
	ApproveErr []error // consumed per call; nil entry means success
	RejectTx   string
	RejectErr  error

	GetTaskCalls int
	ApproveCalls int
	RejectCalls  int
}

var _ escrow.Client = (*MockEscrowClient)(nil)

func NewMockEscrowClient() *MockEscrowClient {
	return &MockEscrowClient{States: map[int64]*escrow.TaskState{}, ApproveTx: "0xmocktx"}
}

func (m *MockEscrowClient) GetTask(ctx context.Context, taskID int64) (*escrow.TaskState, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.GetTaskCalls++
	st, ok := m.States[taskID]
	if !ok {
		return nil, errs.NewChain("escrow.GetTask",
			fmt.Sprintf("task %d has no on-chain record", taskID), escrow.ErrTaskNotFound, true)
	}
	cp := *st
	return &cp, nil
}

func (m *MockEscrowClient) ApproveSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ApproveCalls++
	if len(m.ApproveErr) > 0 {
		err := m.ApproveErr[0]
		m.ApproveErr = m.ApproveErr[1:]
		if err != nil {
			return "", err
		}
	}
	return m.ApproveTx, nil
}

func (m *MockEscrowClient) RejectSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RejectCalls++
	if m.RejectErr != nil {
		return "", m.RejectErr
	}
	if m.RejectTx == "" {
		return "0xmockreject", nil
	}
	return m.RejectTx, nil
}

// MockEventStore records appended events in order.
type MockEventStore struct {
	Mu       sync.Mutex
	Appended []events.Event
}

var _ events.EventStore = (*MockEventStore)(nil)

func NewMockEventStore() *MockEventStore { return &MockEventStore{} }

func (m *MockEventStore) Append(ctx context.Context, ev ...events.Event) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Appended = append(m.Appended, ev...)
	return nil
}

func (m *MockEventStore) ListBySubmission(ctx context.Context, submissionID int64) ([]events.StoredEvent, error) {
	return nil, nil
}

// Types returns the appended event type names in order.
func (m *MockEventStore) Types() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]string, 0, len(m.Appended))
	for _, e := range m.Appended {
		out = append(out, e.Type())
	}
	return out
}

// MockPublisher records published notifications.
type MockPublisher struct {
	Mu        sync.Mutex
	Published []notify.Notification
}

func NewMockPublisher() *MockPublisher { return &MockPublisher{} }

func (m *MockPublisher) Publish(n notify.Notification) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Published = append(m.Published, n)
}

// Types returns the published notification types in order.
func (m *MockPublisher) Types() []notify.Type {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]notify.Type, 0, len(m.Published))
	for _, n := range m.Published {
		out = append(out, n.Type)
	}
	return out
}
