package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/greenscore/backend/internal/domain"
)

// LogError prepends an entry to the bounded error log and persists it
func (m *Manager) LogError(ctx context.Context, err error, fields map[string]any) domain.ErrorLogEntry {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}

	entry := m.appendError(message, fields)
	m.persist(ctx, ErrorLogsKey)
	return entry
}

func (m *Manager) appendError(message string, fields map[string]any) domain.ErrorLogEntry {
	entry := domain.ErrorLogEntry{
		ID:        uuid.NewString(),
		Message:   message,
		Context:   fields,
		Timestamp: m.now().UnixMilli(),
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.errorLogs = append([]domain.ErrorLogEntry{entry}, m.errorLogs...)
	if len(m.errorLogs) > m.cfg.ErrorLogSize {
		m.errorLogs = m.errorLogs[:m.cfg.ErrorLogSize]
	}
	m.failures++
	return entry
}

// GetErrorLogs returns a copy of the error log, newest first
func (m *Manager) GetErrorLogs() []domain.ErrorLogEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	logs := make([]domain.ErrorLogEntry, len(m.errorLogs))
	copy(logs, m.errorLogs)
	return logs
}

func wrapStorageError(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}
