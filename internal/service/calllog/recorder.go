package calllog

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// Archive mirrors finalized log entries into durable storage. Archiving is
// best-effort and never fails the call path.
type Archive interface {
	ArchiveEntry(ctx context.Context, ownerUID, logID string, entry *domain.CallLogEntry) error
}

// Recorder appends immutable call-attempt records to the mailbox and patches
// in a duration once a call ends
type Recorder struct {
	mbox    mailbox.Mailbox
	archive Archive // may be nil
}

// NewRecorder creates a call log recorder. archive may be nil.
func NewRecorder(mbox mailbox.Mailbox, archive Archive) *Recorder {
	return &Recorder{mbox: mbox, archive: archive}
}

// StartLog appends one CallLogEntry for ownerUID and returns its key.
// Duration stays unset until FinalizeLog patches it.
func (r *Recorder) StartLog(ctx context.Context, ownerUID string, partner domain.UserSnapshot, kind domain.CallKind, direction domain.CallDirection, startedAt time.Time) (string, error) {
	entry := &domain.CallLogEntry{
		Partner:   partner,
		Kind:      kind,
		Direction: direction,
		TS:        startedAt.UnixMilli(),
	}
	logID, err := r.mbox.Push(ctx, mailbox.CallLogsPath(ownerUID), entry)
	if err != nil {
		return "", err
	}
	return logID, nil
}

// FinalizeLog patches the duration onto the most recent undotted entry for
// partnerID within a bounded window of recent entries. When no entry matches
// the duration is silently dropped; reconciliation is best-effort, not a
// hard guarantee.
func (r *Recorder) FinalizeLog(ctx context.Context, ownerUID, partnerID string, seconds int) error {
	raw, ok, err := r.mbox.Get(ctx, mailbox.CallLogsPath(ownerUID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var logs map[string]domain.CallLogEntry
	if err := json.Unmarshal(raw, &logs); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "malformed call log subtree", err)
	}

	type logRec struct {
		id    string
		entry domain.CallLogEntry
	}
	recs := make([]logRec, 0, len(logs))
	for id, e := range logs {
		recs = append(recs, logRec{id: id, entry: e})
	}
	// Newest first; creation order (key) breaks start-time ties
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].entry.TS != recs[j].entry.TS {
			return recs[i].entry.TS > recs[j].entry.TS
		}
		return recs[i].id > recs[j].id
	})
	if len(recs) > constants.CallLogFinalizeWindow {
		recs = recs[:constants.CallLogFinalizeWindow]
	}

	for _, rec := range recs {
		if rec.entry.Partner.UID != partnerID || rec.entry.Duration != nil {
			continue
		}
		if err := r.mbox.Publish(ctx, mailbox.CallLogPath(ownerUID, rec.id)+"/duration", seconds); err != nil {
			return err
		}
		if r.archive != nil {
			finalized := rec.entry
			finalized.Duration = &seconds
			if err := r.archive.ArchiveEntry(ctx, ownerUID, rec.id, &finalized); err != nil {
				logger.Warn("Call log archive failed",
					zap.String("owner", ownerUID),
					zap.String("log_id", rec.id),
					zap.Error(err))
			}
		}
		return nil
	}

	logger.Debug("No call log entry to finalize",
		zap.String("owner", ownerUID),
		zap.String("partner", partnerID))
	return nil
}
