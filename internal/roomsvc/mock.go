package roomsvc

import (
	"context"
	"sync"
)

// MockService records coordination calls and injects failures for tests and
// local mode.
type MockService struct {
	mu sync.Mutex

	EndRoomErr    error
	AnalyticsErr  error
	StatusErr     error
	RemoveErr     error
	ActiveRoom    string
	ActiveRoomErr error

	StatusCalls    []string // "roomID:status"
	RemovedCalls   []string // "roomID:userID"
	EndRoomCalls   []int    // durationMinutes per call
	AnalyticsCalls []Analytics
}

func NewMockService() *MockService { return &MockService{} }

func (m *MockService) UpdateRoomStatus(_ context.Context, roomID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls = append(m.StatusCalls, roomID+":"+status)
	return m.StatusErr
}

func (m *MockService) RemoveParticipant(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedCalls = append(m.RemovedCalls, roomID+":"+userID)
	return m.RemoveErr
}

func (m *MockService) EndRoomForAllParticipants(_ context.Context, _, _ string, durationMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndRoomCalls = append(m.EndRoomCalls, durationMinutes)
	return m.EndRoomErr
}

func (m *MockService) SaveSessionAnalytics(_ context.Context, _, _ string, a Analytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnalyticsCalls = append(m.AnalyticsCalls, a)
	return m.AnalyticsErr
}

func (m *MockService) ActiveSessionFor(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ActiveRoom, m.ActiveRoomErr
}

// Counts returns how many times each termination call ran.
func (m *MockService) Counts() (endRoom, analytics, status, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EndRoomCalls), len(m.AnalyticsCalls), len(m.StatusCalls), len(m.RemovedCalls)
}
