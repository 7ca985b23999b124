package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryRepo struct {
	entries []*Entry
	err     error
}

func (m *memoryRepo) Append(ctx context.Context, userID int64, action Action, details json.RawMessage) (*Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	e := &Entry{ID: int64(len(m.entries) + 1), UserID: userID, Action: action, Details: details}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memoryRepo) ListByUserID(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	return m.entries, nil
}

func TestRecorder_Record(t *testing.T) {
	repo := &memoryRepo{}
	r := NewRecorder(repo, zaptest.NewLogger(t))

	err := r.Record(context.Background(), 42, ActionSyncCompleted, map[string]any{"accounts": 2})
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	assert.Equal(t, int64(42), repo.entries[0].UserID)
	assert.Equal(t, ActionSyncCompleted, repo.entries[0].Action)
	assert.JSONEq(t, `{"accounts":2}`, string(repo.entries[0].Details))
}

func TestRecorder_NilDetails(t *testing.T) {
	repo := &memoryRepo{}
	require.NoError(t, NewRecorder(repo, nil).Record(context.Background(), 1, ActionConsentStarted, nil))
	assert.JSONEq(t, `{}`, string(repo.entries[0].Details))
}

func TestRecorder_RepositoryError(t *testing.T) {
	repo := &memoryRepo{err: errors.New("db down")}
	err := NewRecorder(repo, zaptest.NewLogger(t)).Record(context.Background(), 1, ActionConsentExpired, nil)
	assert.ErrorContains(t, err, "db down")
}
