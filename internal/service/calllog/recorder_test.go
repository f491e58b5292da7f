package calllog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
)

// MockArchive is a mock implementation of Archive
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) ArchiveEntry(ctx context.Context, ownerUID, logID string, entry *domain.CallLogEntry) error {
	args := m.Called(ctx, ownerUID, logID, entry)
	return args.Error(0)
}

func loadLogs(t *testing.T, mbox mailbox.Mailbox, ownerUID string) map[string]domain.CallLogEntry {
	t.Helper()
	raw, ok, err := mbox.Get(context.Background(), mailbox.CallLogsPath(ownerUID))
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var logs map[string]domain.CallLogEntry
	require.NoError(t, json.Unmarshal(raw, &logs))
	return logs
}

func TestStartLogAppendsEntryWithoutDuration(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	rec := NewRecorder(mbox, nil)

	partner := domain.UserSnapshot{UID: "bob", DisplayName: "Bob"}
	logID, err := rec.StartLog(context.Background(), "alice", partner, domain.CallKindVideo, domain.DirectionOutgoing, time.UnixMilli(100))

	require.NoError(t, err)
	require.NotEmpty(t, logID)

	logs := loadLogs(t, mbox, "alice")
	require.Len(t, logs, 1)
	entry := logs[logID]
	assert.Equal(t, "bob", entry.Partner.UID)
	assert.Equal(t, domain.DirectionOutgoing, entry.Direction)
	assert.Equal(t, int64(100), entry.TS)
	assert.Nil(t, entry.Duration)
}

func TestFinalizePatchesNewestUnfinalizedEntry(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	rec := NewRecorder(mbox, nil)
	ctx := context.Background()

	partner := domain.UserSnapshot{UID: "bob"}
	older, err := rec.StartLog(ctx, "alice", partner, domain.CallKindVoice, domain.DirectionOutgoing, time.UnixMilli(90))
	require.NoError(t, err)
	newer, err := rec.StartLog(ctx, "alice", partner, domain.CallKindVoice, domain.DirectionOutgoing, time.UnixMilli(100))
	require.NoError(t, err)

	require.NoError(t, rec.FinalizeLog(ctx, "alice", "bob", 60))

	logs := loadLogs(t, mbox, "alice")
	require.NotNil(t, logs[newer].Duration)
	assert.Equal(t, 60, *logs[newer].Duration)
	assert.Nil(t, logs[older].Duration)
}

func TestFinalizeSkipsAlreadyFinalizedEntries(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	rec := NewRecorder(mbox, nil)
	ctx := context.Background()

	partner := domain.UserSnapshot{UID: "bob"}
	first, err := rec.StartLog(ctx, "alice", partner, domain.CallKindVoice, domain.DirectionOutgoing, time.UnixMilli(90))
	require.NoError(t, err)
	second, err := rec.StartLog(ctx, "alice", partner, domain.CallKindVoice, domain.DirectionOutgoing, time.UnixMilli(100))
	require.NoError(t, err)

	require.NoError(t, rec.FinalizeLog(ctx, "alice", "bob", 60))
	require.NoError(t, rec.FinalizeLog(ctx, "alice", "bob", 45))

	logs := loadLogs(t, mbox, "alice")
	require.NotNil(t, logs[second].Duration)
	assert.Equal(t, 60, *logs[second].Duration)
	require.NotNil(t, logs[first].Duration)
	assert.Equal(t, 45, *logs[first].Duration)
}

func TestFinalizeIgnoresEntriesOutsideWindow(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	rec := NewRecorder(mbox, nil)
	ctx := context.Background()

	target, err := rec.StartLog(ctx, "alice", domain.UserSnapshot{UID: "bob"}, domain.CallKindVoice, domain.DirectionOutgoing, time.UnixMilli(10))
	require.NoError(t, err)

	// Five newer entries for other parties push bob's out of the window
	for i := 0; i < 5; i++ {
		_, err := rec.StartLog(ctx, "alice", domain.UserSnapshot{UID: "carol"}, domain.CallKindVoice, domain.DirectionIncoming, time.UnixMilli(int64(20+i)))
		require.NoError(t, err)
	}

	require.NoError(t, rec.FinalizeLog(ctx, "alice", "bob", 60))

	logs := loadLogs(t, mbox, "alice")
	assert.Nil(t, logs[target].Duration)
}

func TestFinalizeWithNoMatchIsSilent(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	rec := NewRecorder(mbox, nil)

	assert.NoError(t, rec.FinalizeLog(context.Background(), "alice", "bob", 60))
}

func TestFinalizeArchivesPatchedEntry(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	mockArchive := new(MockArchive)
	rec := NewRecorder(mbox, mockArchive)
	ctx := context.Background()

	logID, err := rec.StartLog(ctx, "alice", domain.UserSnapshot{UID: "bob"}, domain.CallKindVideo, domain.DirectionOutgoing, time.UnixMilli(100))
	require.NoError(t, err)

	// Setup expectations
	mockArchive.On("ArchiveEntry", mock.Anything, "alice", logID, mock.AnythingOfType("*domain.CallLogEntry")).Return(nil)

	// Execute
	require.NoError(t, rec.FinalizeLog(ctx, "alice", "bob", 30))

	// Assert
	mockArchive.AssertExpectations(t)
	archived := mockArchive.Calls[0].Arguments.Get(3).(*domain.CallLogEntry)
	require.NotNil(t, archived.Duration)
	assert.Equal(t, 30, *archived.Duration)
}
