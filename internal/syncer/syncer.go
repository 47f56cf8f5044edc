// Package syncer moves records of one resource type between the Local
// Store and the Remote Service. One Syncer is built per registered
// resource; the orchestrator decides when each phase runs.
package syncer

//go:generate mockgen -destination=mock_deps_test.go -package=syncer . Remote,Retrier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/remote"
	"github.com/alexjbarnes/farm-sync/internal/retry"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store is the part of the Local Store a syncer reads and writes.
type Store interface {
	Pending(resource models.Resource, limit int) ([]models.Record, error)
	MarkSynced(resource models.Resource, localID, serverID string, at time.Time) (models.Record, error)
	MarkFailed(resource models.Resource, localID, reason string) (models.Record, error)
	MarkRejected(resource models.Resource, localID, reason string) (models.Record, error)
	UpsertRemote(resource models.Resource, key, serverID, name string, data json.RawMessage, at time.Time) (bool, error)
	DownloadWatermark(resource models.Resource) (*time.Time, error)
	SetDownloadWatermark(resource models.Resource, t time.Time) error
}

// Remote is the part of the Remote Service client a syncer calls.
type Remote interface {
	Create(ctx context.Context, resource models.Resource, body []byte) (string, error)
	Update(ctx context.Context, resource models.Resource, serverID string, body []byte) error
	Delete(ctx context.Context, resource models.Resource, serverID string) error
	List(ctx context.Context, resource models.Resource, since *time.Time) ([]json.RawMessage, error)
}

// Retrier receives per-item outcomes.
type Retrier interface {
	RecordFailure(itemID string) retry.Decision
	RecordSuccess(itemID string)
	MarkTerminal(itemID string)
}

// Resolver maps a reference to a server id for the current cycle.
type Resolver interface {
	Resolve(ctx context.Context, ref models.Ref, cycleStart time.Time) (string, bool)
}

// Syncer uploads and downloads one resource type.
type Syncer struct {
	spec     models.ResourceSpec
	store    Store
	remote   Remote
	retrier  Retrier
	resolver Resolver
	logger   *slog.Logger

	online func() bool
	now    func() time.Time
}

// New creates a syncer for spec. online is consulted before every
// network call; a nil func means always online.
func New(spec models.ResourceSpec, st Store, rc Remote, retrier Retrier, resolver Resolver, online func() bool, logger *slog.Logger) *Syncer {
	if online == nil {
		online = func() bool { return true }
	}

	return &Syncer{
		spec:     spec,
		store:    st,
		remote:   rc,
		retrier:  retrier,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "syncer"), slog.String("resource", string(spec.Name))),
		online:   online,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for lastSync stamps and
// download watermarks.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// Spec returns the resource description the syncer was built for.
func (s *Syncer) Spec() models.ResourceSpec {
	return s.spec
}

// downloadItemID keys retry bookkeeping for a failed download phase.
func (s *Syncer) downloadItemID() string {
	return string(s.spec.Name) + "/download"
}

// UploadPending pushes up to batchSize pending records, one at a time
// in creation order. Records whose references are not resolvable yet
// are skipped without counting as failures.
func (s *Syncer) UploadPending(ctx context.Context, cycleStart time.Time, batchSize int) models.SyncResult {
	var res models.SyncResult

	records, err := s.store.Pending(s.spec.Name, batchSize)
	if err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: reading pending records: %v", s.spec.Name, err))
		res.Finish()

		return res
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", s.spec.Name, err))
			break
		}

		if !s.online() {
			s.logger.Info("offline, stopping upload", slog.Int("remaining", len(records)-res.Uploaded-res.Failed-res.Skipped))
			break
		}

		s.uploadOne(ctx, rec, cycleStart, &res)
	}

	if res.Uploaded > 0 || res.Failed > 0 || res.Skipped > 0 {
		s.logger.Info("upload finished",
			slog.Int("uploaded", res.Uploaded),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
		)
	}

	res.Finish()

	return res
}

func (s *Syncer) uploadOne(ctx context.Context, rec models.Record, cycleStart time.Time, res *models.SyncResult) {
	logger := s.logger.With(slog.String("local_id", rec.LocalID))

	if rec.Action == models.ActionDelete {
		s.deleteOne(ctx, rec, res, logger)
		return
	}

	body, ok := s.payload(ctx, rec, cycleStart, logger)
	if !ok {
		res.Skipped++
		return
	}

	serverID := rec.ServerID

	var err error

	if serverID == "" {
		serverID, err = s.remote.Create(ctx, s.spec.Name, body)
	} else {
		err = s.remote.Update(ctx, s.spec.Name, serverID, body)
	}

	if err != nil {
		s.fail(rec, err, res, logger)
		return
	}

	if err := s.ack(rec, serverID); err != nil {
		// The remote holds the write but the record still looks unsynced
		// locally. Without a server id the next cycle POSTs again.
		logger.Error("remote write not recorded locally",
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)

		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: marking synced as %s: %v", rec.ItemID(), serverID, err))

		return
	}

	s.retrier.RecordSuccess(rec.ItemID())
	res.Uploaded++

	logger.Debug("record uploaded", slog.String("server_id", serverID))
}

// ack records a confirmed remote write, retrying once.
func (s *Syncer) ack(rec models.Record, serverID string) error {
	_, err := s.store.MarkSynced(s.spec.Name, rec.LocalID, serverID, s.now())
	if err == nil {
		return nil
	}

	s.logger.Warn("marking synced, retrying",
		slog.String("local_id", rec.LocalID),
		slog.String("error", err.Error()),
	)

	_, err = s.store.MarkSynced(s.spec.Name, rec.LocalID, serverID, s.now())

	return err
}

func (s *Syncer) deleteOne(ctx context.Context, rec models.Record, res *models.SyncResult, logger *slog.Logger) {
	if rec.ServerID != "" {
		if err := s.remote.Delete(ctx, s.spec.Name, rec.ServerID); err != nil {
			s.fail(rec, err, res, logger)
			return
		}
	}

	if _, err := s.store.MarkSynced(s.spec.Name, rec.LocalID, "", s.now()); err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: marking deleted: %v", rec.ItemID(), err))

		return
	}

	s.retrier.RecordSuccess(rec.ItemID())
	res.Uploaded++

	logger.Debug("record deleted", slog.String("server_id", rec.ServerID))
}

// payload returns the record body with every reference replaced by its
// resolved server id, or false when any reference is still unresolved.
func (s *Syncer) payload(ctx context.Context, rec models.Record, cycleStart time.Time, logger *slog.Logger) ([]byte, bool) {
	body := []byte(rec.Data)
	if len(body) == 0 {
		body = []byte("{}")
	}

	for _, ref := range rec.Refs {
		id, ok := s.resolver.Resolve(ctx, ref, cycleStart)
		if !ok {
			logger.Debug("reference unresolved, deferring",
				slog.String("field", ref.Field),
				slog.String("target", string(ref.Resource)),
			)

			return nil, false
		}

		patched, err := sjson.SetBytes(body, ref.Field, id)
		if err != nil {
			logger.Warn("patching reference", slog.String("field", ref.Field), slog.String("error", err.Error()))
			return nil, false
		}

		body = patched
	}

	return body, true
}

func (s *Syncer) fail(rec models.Record, err error, res *models.SyncResult, logger *slog.Logger) {
	res.Failed++
	res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.ItemID(), err))

	if !remote.IsRetryable(err) {
		if _, serr := s.store.MarkRejected(s.spec.Name, rec.LocalID, err.Error()); serr != nil {
			logger.Warn("marking rejected", slog.String("error", serr.Error()))
		}

		s.retrier.MarkTerminal(rec.ItemID())
		logger.Warn("record rejected", slog.String("error", err.Error()))

		return
	}

	if _, serr := s.store.MarkFailed(s.spec.Name, rec.LocalID, err.Error()); serr != nil {
		logger.Warn("marking failed", slog.String("error", serr.Error()))
	}

	d := s.retrier.RecordFailure(rec.ItemID())
	logger.Warn("upload failed",
		slog.String("error", err.Error()),
		slog.Int("attempt", d.Attempt),
		slog.Bool("retry_scheduled", d.Scheduled),
	)
}

// DownloadRemote fetches remote items changed since the resource's
// download watermark and upserts them by business key. since is used
// when no watermark has been recorded yet. Items shadowed by unsynced
// local edits are counted as skipped. The watermark only moves after a
// download in which every item was applied.
func (s *Syncer) DownloadRemote(ctx context.Context, since *time.Time) models.SyncResult {
	var res models.SyncResult

	if !s.online() {
		res.Finish()
		return res
	}

	since = s.watermark(since)
	listedAt := s.now()

	items, err := s.remote.List(ctx, s.spec.Name, since)
	if err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: download: %v", s.spec.Name, err))

		if remote.IsRetryable(err) {
			s.retrier.RecordFailure(s.downloadItemID())
		} else {
			s.retrier.MarkTerminal(s.downloadItemID())
		}

		s.logger.Warn("download failed", slog.String("error", err.Error()))
		res.Finish()

		return res
	}

	s.retrier.RecordSuccess(s.downloadItemID())

	at := s.now()

	for _, item := range items {
		serverID := gjson.GetBytes(item, "id").String()

		var key string
		if s.spec.BusinessKey != "" {
			key = gjson.GetBytes(item, s.spec.BusinessKey).String()
		}

		if key == "" && serverID == "" {
			res.Skipped++
			continue
		}

		var name string
		if s.spec.NameField != "" {
			name = gjson.GetBytes(item, s.spec.NameField).String()
		}

		applied, err := s.store.UpsertRemote(s.spec.Name, key, serverID, name, item, at)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: storing %s: %v", s.spec.Name, serverID, err))

			continue
		}

		if applied {
			res.Downloaded++
		} else {
			res.Skipped++
		}
	}

	if res.Failed == 0 {
		if err := s.store.SetDownloadWatermark(s.spec.Name, listedAt); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: persisting download watermark: %v", s.spec.Name, err))
			s.logger.Warn("persisting download watermark", slog.String("error", err.Error()))
		}
	}

	if res.Downloaded > 0 || res.Failed > 0 {
		s.logger.Info("download finished",
			slog.Int("downloaded", res.Downloaded),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
		)
	}

	res.Finish()

	return res
}

func (s *Syncer) watermark(fallback *time.Time) *time.Time {
	wm, err := s.store.DownloadWatermark(s.spec.Name)
	if err != nil {
		s.logger.Warn("reading download watermark", slog.String("error", err.Error()))
		return fallback
	}

	if wm == nil {
		return fallback
	}

	return wm
}
