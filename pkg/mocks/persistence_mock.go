package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

// MockInstanceRepository is a mock implementation of persistence.InstanceRepository interface.
type MockInstanceRepository struct {
	mock.Mock
}

func (m *MockInstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockInstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowInstance), args.Error(1)
}

func (m *MockInstanceRepository) List(ctx context.Context, opts persistence.ListOptions) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowInstance), args.Error(1)
}

func (m *MockInstanceRepository) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowInstance), args.Error(1)
}

func (m *MockInstanceRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockAttemptRepository is a mock implementation of persistence.AttemptRepository interface.
type MockAttemptRepository struct {
	mock.Mock
}

func (m *MockAttemptRepository) Append(ctx context.Context, attempt *models.RecoveryAttempt) error {
	args := m.Called(ctx, attempt)

	return args.Error(0)
}

func (m *MockAttemptRepository) List(ctx context.Context, limit int) ([]*models.RecoveryAttempt, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.RecoveryAttempt), args.Error(1)
}

func (m *MockAttemptRepository) ListByComponent(ctx context.Context, componentID string) ([]*models.RecoveryAttempt, error) {
	args := m.Called(ctx, componentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.RecoveryAttempt), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	instanceRepo *MockInstanceRepository
	attemptRepo  *MockAttemptRepository
}

// NewMockPersistence creates a new MockPersistence with all mock repositories.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		instanceRepo: &MockInstanceRepository{},
		attemptRepo:  &MockAttemptRepository{},
	}
}

// GetMockInstanceRepository returns the underlying mock instance repository for setting up expectations.
func (m *MockPersistence) GetMockInstanceRepository() *MockInstanceRepository {
	return m.instanceRepo
}

// GetMockAttemptRepository returns the underlying mock attempt repository for setting up expectations.
func (m *MockPersistence) GetMockAttemptRepository() *MockAttemptRepository {
	return m.attemptRepo
}

func (m *MockPersistence) Instances() persistence.InstanceRepository {
	return m.instanceRepo
}

func (m *MockPersistence) Attempts() persistence.AttemptRepository {
	return m.attemptRepo
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
