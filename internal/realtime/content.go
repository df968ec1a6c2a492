package realtime

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"corkboard/api/internal/relay"
)

// ErrReadOnly is returned when a viewer attempts a local edit.
var ErrReadOnly = &ReadOnlyError{}

type ReadOnlyError struct{}

func (e *ReadOnlyError) Error() string { return "capability does not permit editing" }

// ContentWriter persists a board snapshot and reports the board's visibility
// as of the write, so the flush path can decide whether to mirror the update
// onto the public channel without holding stale state.
type ContentWriter interface {
	WriteBoardContent(ctx context.Context, boardID string, content json.RawMessage) (isPublic bool, publicSlug string, err error)
}

// Publisher is the slice of the relay a sync engine needs.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
}

// ContentSyncEngine coordinates debounced persistence of local edits and
// application of remote updates for a single session. All methods are called
// from the session's event loop; the engine holds no locks.
type ContentSyncEngine struct {
	boardID    string
	selfID     string
	capability Capability
	writer     ContentWriter
	publisher  Publisher
	debounce   time.Duration
	retryDelay time.Duration

	dirty     bool
	pending   json.RawMessage
	deadline  time.Time
	lastSaved string

	ready   bool
	queue   []json.RawMessage
	retryAt time.Time
}

func NewContentSyncEngine(boardID, selfID string, capability Capability, writer ContentWriter, publisher Publisher, debounce time.Duration) *ContentSyncEngine {
	return &ContentSyncEngine{
		boardID:    boardID,
		selfID:     selfID,
		capability: capability,
		writer:     writer,
		publisher:  publisher,
		debounce:   debounce,
		retryDelay: 100 * time.Millisecond,
	}
}

func fingerprint(content json.RawMessage) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}

// Stage records a local edit and restarts the debounce window. Staging
// content identical to the last saved snapshot cancels any pending flush:
// an undo back to the saved state means there is nothing left to persist,
// and it keeps a freshly applied remote update from bouncing straight back
// out. Content that is not a snapshot envelope is rejected before it can
// reach storage.
func (e *ContentSyncEngine) Stage(content json.RawMessage, now time.Time) error {
	if !e.capability.CanEdit() {
		return ErrReadOnly
	}
	if !relay.IsSnapshotEnvelope(content) {
		return relay.ErrBadPayload
	}
	if fingerprint(content) == e.lastSaved {
		e.pending = nil
		e.dirty = false
		return nil
	}
	e.pending = content
	e.dirty = true
	e.deadline = now.Add(e.debounce)
	return nil
}

// FlushDue reports whether a staged edit's debounce window has elapsed.
func (e *ContentSyncEngine) FlushDue(now time.Time) bool {
	return e.dirty && !now.Before(e.deadline)
}

// Dirty reports whether a staged edit awaits persistence.
func (e *ContentSyncEngine) Dirty() bool { return e.dirty }

// Deadline returns the debounce deadline for the staged edit; only
// meaningful while Dirty.
func (e *ContentSyncEngine) Deadline() time.Time { return e.deadline }

// Flush persists the staged edit and broadcasts it. On persistence failure
// the edit stays dirty so the next flush retries it. A staged edit whose
// content matches the last saved snapshot is discarded without a write.
func (e *ContentSyncEngine) Flush(ctx context.Context, now time.Time) error {
	if !e.dirty {
		return nil
	}
	fp := fingerprint(e.pending)
	if fp == e.lastSaved {
		e.dirty = false
		e.pending = nil
		return nil
	}
	isPublic, slug, err := e.writer.WriteBoardContent(ctx, e.boardID, e.pending)
	if err != nil {
		return err
	}
	update := relay.ContentUpdate{
		Content:   e.pending,
		UserID:    e.selfID,
		Timestamp: now.UnixMilli(),
	}
	e.lastSaved = fp
	e.dirty = false
	content := e.pending
	e.pending = nil
	if e.publisher == nil {
		return nil
	}
	if err := e.publisher.Publish(ctx, relay.PrivateChannel(e.boardID), relay.EventContentUpdate, update); err != nil {
		return err
	}
	if isPublic && slug != "" {
		mirror := relay.ContentUpdate{Content: content, UserID: e.selfID, Timestamp: update.Timestamp}
		if err := e.publisher.Publish(ctx, relay.PublicChannel(slug), relay.EventContentUpdate, mirror); err != nil {
			return err
		}
	}
	return nil
}

// SurfaceReady marks the editing surface as mounted. Updates that arrived
// beforehand stay queued until RetryQueued drains them.
func (e *ContentSyncEngine) SurfaceReady() {
	e.ready = true
}

// RetryDue reports whether queued remote updates are waiting for a retry.
func (e *ContentSyncEngine) RetryDue(now time.Time) bool {
	return len(e.queue) > 0 && !now.Before(e.retryAt)
}

// RetryAt returns the next retry deadline; only meaningful while the queue
// is non-empty.
func (e *ContentSyncEngine) RetryAt() time.Time { return e.retryAt }

// HasQueued reports whether remote updates are waiting for the surface.
func (e *ContentSyncEngine) HasQueued() bool { return len(e.queue) > 0 }

// RetryQueued re-applies queued remote updates in arrival order. If the
// surface is still not ready the queue is kept and the retry deadline pushed
// out again.
func (e *ContentSyncEngine) RetryQueued(now time.Time) []json.RawMessage {
	if len(e.queue) == 0 {
		return nil
	}
	if !e.ready {
		e.retryAt = now.Add(e.retryDelay)
		return nil
	}
	var applied []json.RawMessage
	for _, content := range e.queue {
		if c := e.applyContent(content); c != nil {
			applied = append(applied, c)
		}
	}
	e.queue = nil
	return applied
}

// ApplyRemote handles a content-update payload from the relay. It returns
// the snapshot to surface, or nil when the update was an echo, a duplicate,
// or queued for a not-yet-ready surface. Echoes are discarded before the
// snapshot is validated.
func (e *ContentSyncEngine) ApplyRemote(data json.RawMessage, now time.Time) (json.RawMessage, error) {
	var probe struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.UserID == e.selfID {
		return nil, nil
	}
	update, err := relay.DecodeContentUpdate(data)
	if err != nil {
		return nil, err
	}
	if !e.ready {
		e.queue = append(e.queue, update.Content)
		e.retryAt = now.Add(e.retryDelay)
		return nil, nil
	}
	return e.applyContent(update.Content), nil
}

// applyContent adopts a remote snapshot as the new saved baseline, dropping
// any staged local edit it supersedes. Re-delivery of the current snapshot
// is a no-op.
func (e *ContentSyncEngine) applyContent(content json.RawMessage) json.RawMessage {
	fp := fingerprint(content)
	if fp == e.lastSaved {
		return nil
	}
	e.lastSaved = fp
	e.dirty = false
	e.pending = nil
	return content
}
