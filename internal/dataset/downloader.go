package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/remote"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opDownload      = "dataset.download"
	opCheckUpdates  = "dataset.check_updates"
	opLoadManifest  = "dataset.load_manifest"
	opSaveManifest  = "dataset.save_manifest"
	opWriteChunk    = "dataset.write_chunk"
	opReadChunk     = "dataset.read_chunk"
	opReadPoints    = "dataset.read_points"
	opWritePoints   = "dataset.write_points"
	opClear         = "dataset.clear"
	opIndex         = "dataset.index"
	opNewDownloader = "dataset.new_downloader"
)

const (
	defaultAttempts   = 4
	defaultBase       = 500 * time.Millisecond
	defaultBackoffCap = 30 * time.Second
)

var (
	// ErrInvalidPageSize indicates a non-positive page size.
	ErrInvalidPageSize = errors.New("dataset: page size must be positive")
	// ErrDownloadFailed indicates that page retries were exhausted or a page was rejected.
	ErrDownloadFailed = errors.New("dataset: download failed")
	// ErrDownloadInProgress indicates an overlapping download call.
	ErrDownloadInProgress = errors.New("dataset: download already in progress")

	errMissingStore  = errors.New("store is required")
	errMissingSource = errors.New("source is required")
)

// Phase names the stage reported to progress callbacks.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseIndexing    Phase = "indexing"
)

// Progress is one progress notification.
type Progress struct {
	Percent     float64 `json:"percent"`
	PagesDone   int     `json:"pagesDone"`
	RecordsDone int     `json:"recordsDone"`
	Phase       Phase   `json:"phase"`
}

// ProgressFunc receives progress notifications. Calls are serialized.
type ProgressFunc func(Progress)

// Source is the slice of the remote API the downloader consumes.
type Source interface {
	TotalCustomerCount(ctx context.Context) (int, error)
	PageOfRecords(ctx context.Context, offset, limit int) (remote.Page, error)
}

// Options tune one download.
type Options struct {
	PageSize    int
	Concurrency int
	Force       bool
}

// Result summarizes one download call.
type Result struct {
	Manifest       Manifest `json:"manifest"`
	PagesFetched   int      `json:"pagesFetched"`
	RecordsSkipped int      `json:"recordsSkipped"`
	AlreadyCurrent bool     `json:"alreadyCurrent"`
}

// UpdateCheck compares the cached dataset with the remote record count.
type UpdateCheck struct {
	LocalTotal  int    `json:"localTotal"`
	RemoteTotal int    `json:"remoteTotal"`
	Status      Status `json:"status"`
	Available   bool   `json:"updateAvailable"`
}

// DownloaderConfig describes the dependencies of a Downloader.
type DownloaderConfig struct {
	Store       store.Store
	Source      Source
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Downloader fetches the reference dataset page by page into the store.
type Downloader struct {
	store       store.Store
	source      Source
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	running  sync.Mutex
	manifest sync.Mutex
}

// NewDownloader constructs a Downloader.
func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNewDownloader, "missing_store", errMissingStore)
	}
	if cfg.Source == nil {
		return nil, errs.New(opNewDownloader, "missing_source", errMissingSource)
	}
	downloader := &Downloader{
		store:       cfg.Store,
		source:      cfg.Source,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		clock:       cfg.Clock,
		logger:      logging.OrNop(cfg.Logger),
	}
	if downloader.maxAttempts <= 0 {
		downloader.maxAttempts = defaultAttempts
	}
	if downloader.backoffBase <= 0 {
		downloader.backoffBase = defaultBase
	}
	if downloader.backoffCap <= 0 {
		downloader.backoffCap = defaultBackoffCap
	}
	if downloader.clock == nil {
		downloader.clock = time.Now
	}
	return downloader, nil
}

// Manifest returns the persisted manifest.
func (d *Downloader) Manifest(ctx context.Context) (Manifest, error) {
	return LoadManifest(ctx, d.store)
}

// Download brings the cached dataset to complete. Chunks already durable are
// skipped; a complete dataset is left untouched unless opts.Force is set.
func (d *Downloader) Download(ctx context.Context, opts Options, onProgress ProgressFunc) (Result, error) {
	if opts.PageSize <= 0 {
		return Result{}, errs.New(opDownload, "invalid_page_size", ErrInvalidPageSize)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if !d.running.TryLock() {
		return Result{}, errs.New(opDownload, "in_progress", ErrDownloadInProgress)
	}
	defer d.running.Unlock()

	notify := d.serializedProgress(onProgress)

	manifest, err := LoadManifest(ctx, d.store)
	if err != nil {
		d.logError(opDownload, "manifest_read_failed", err)
		return Result{}, err
	}
	if manifest.Status == StatusComplete && !opts.Force {
		return Result{Manifest: manifest, AlreadyCurrent: true}, nil
	}
	if opts.Force {
		if err := d.Clear(ctx); err != nil {
			return Result{}, err
		}
		manifest = Manifest{Status: StatusNotStarted}
	}

	total, err := d.totalCount(ctx)
	if err != nil {
		d.logError(opDownload, "count_failed", err)
		return Result{Manifest: manifest}, errs.New(opDownload, "count_failed", fmt.Errorf("%w: %w", ErrDownloadFailed, err))
	}

	if manifest.Status == StatusNotStarted || !manifest.matchesPlan(total, opts.PageSize) {
		if manifest.Status != StatusNotStarted {
			d.logger.Info("discarding partial dataset with a different plan",
				zap.Int("previous_total", manifest.TotalRecords),
				zap.Int("previous_page_size", manifest.PageSize),
				zap.Int("total", total),
				zap.Int("page_size", opts.PageSize))
			if err := d.Clear(ctx); err != nil {
				return Result{}, err
			}
		}
		manifest = newManifest(total, opts.PageSize, d.now())
		if err := saveManifest(ctx, d.store, manifest); err != nil {
			d.logError(opDownload, "manifest_write_failed", err)
			return Result{}, err
		}
	}

	missing := manifest.MissingChunks()
	d.logger.Info("dataset download started",
		zap.Int("total_records", total),
		zap.Int("total_chunks", manifest.TotalChunks),
		zap.Int("missing_chunks", len(missing)),
		zap.Int("concurrency", concurrency))
	notify(downloadProgress(manifest))

	result := Result{}
	var resultMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, index := range missing {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			skipped, err := d.fetchChunk(groupCtx, index, opts.PageSize, notify)
			if err != nil {
				return err
			}
			resultMu.Lock()
			result.PagesFetched++
			result.RecordsSkipped += skipped
			resultMu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		d.logError(opDownload, "page_failed", err, zap.Int("pages_fetched", result.PagesFetched))
		current, loadErr := LoadManifest(ctx, d.store)
		if loadErr == nil {
			result.Manifest = current
		}
		return result, errs.New(opDownload, "page_failed", fmt.Errorf("%w: %w", ErrDownloadFailed, err))
	}

	completed, err := d.index(ctx, notify)
	if err != nil {
		return result, err
	}
	result.Manifest = completed
	d.logger.Info("dataset download complete",
		zap.Int("records", completed.RecordsStored),
		zap.Int("pages_fetched", result.PagesFetched),
		zap.Int("records_skipped", result.RecordsSkipped))
	return result, nil
}

// CheckForUpdates reports whether the remote dataset size differs from the cache.
func (d *Downloader) CheckForUpdates(ctx context.Context) (UpdateCheck, error) {
	manifest, err := LoadManifest(ctx, d.store)
	if err != nil {
		return UpdateCheck{}, err
	}
	total, err := d.source.TotalCustomerCount(ctx)
	if err != nil {
		return UpdateCheck{}, errs.New(opCheckUpdates, "count_failed", err)
	}
	return UpdateCheck{
		LocalTotal:  manifest.TotalRecords,
		RemoteTotal: total,
		Status:      manifest.Status,
		Available:   manifest.Status != StatusComplete || manifest.TotalRecords != total,
	}, nil
}

// Clear removes the manifest, every chunk and every derived index blob.
func (d *Downloader) Clear(ctx context.Context) error {
	d.manifest.Lock()
	defer d.manifest.Unlock()
	if err := d.store.Delete(ctx, store.KeyDatasetManifest); err != nil {
		d.logError(opClear, "manifest_delete_failed", err)
		return errs.New(opClear, "manifest_delete_failed", err)
	}
	for _, prefix := range []string{store.PrefixDatasetChunk, store.PrefixDatasetPoints} {
		if _, err := d.store.DeleteAll(ctx, prefix); err != nil {
			d.logError(opClear, "chunk_delete_failed", err, zap.String("prefix", prefix))
			return errs.New(opClear, "chunk_delete_failed", err)
		}
	}
	return nil
}

func (d *Downloader) fetchChunk(ctx context.Context, index, pageSize int, notify ProgressFunc) (int, error) {
	offset := index * pageSize
	var page remote.Page
	err := d.withRetry(ctx, func(ctx context.Context) error {
		fetched, err := d.source.PageOfRecords(ctx, offset, pageSize)
		if err != nil {
			if remote.IsRetryable(err) {
				d.logger.Warn("page request failed, retrying", zap.Int("chunk", index), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		page = fetched
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chunk %d: %w", index, err)
	}

	records, skipped := NormalizePage(page.Records, offset)
	if skipped > 0 {
		d.logger.Warn("skipped malformed records", zap.Int("chunk", index), zap.Int("skipped", skipped))
	}
	if err := WriteChunk(ctx, d.store, index, records); err != nil {
		d.logError(opWriteChunk, "write_failed", err, zap.Int("chunk", index))
		return 0, err
	}
	if err := d.markReceived(ctx, index, len(records), notify); err != nil {
		return 0, err
	}
	return skipped, nil
}

// markReceived re-reads the manifest right before writing it so concurrent
// page workers never overwrite each other's markers.
func (d *Downloader) markReceived(ctx context.Context, index, records int, notify ProgressFunc) error {
	d.manifest.Lock()
	defer d.manifest.Unlock()
	manifest, err := LoadManifest(ctx, d.store)
	if err != nil {
		return err
	}
	if index >= len(manifest.Received) {
		return errs.New(opDownload, "manifest_changed", fmt.Errorf("chunk %d outside manifest of %d chunks", index, len(manifest.Received)))
	}
	manifest.markReceived(index, records, d.now())
	if err := saveManifest(ctx, d.store, manifest); err != nil {
		d.logError(opDownload, "manifest_write_failed", err, zap.Int("chunk", index))
		return err
	}
	notify(downloadProgress(manifest))
	return nil
}

// index rebuilds the derived point blobs and only then flips the manifest to complete.
func (d *Downloader) index(ctx context.Context, notify ProgressFunc) (Manifest, error) {
	manifest, err := LoadManifest(ctx, d.store)
	if err != nil {
		return Manifest{}, err
	}
	if !manifest.AllReceived() {
		return manifest, errs.New(opIndex, "chunks_missing", fmt.Errorf("%w: %d chunks missing", ErrDownloadFailed, len(manifest.MissingChunks())))
	}

	recordsDone := 0
	for chunk := 0; chunk < manifest.TotalChunks; chunk++ {
		records, err := ReadChunk(ctx, d.store, chunk)
		if err != nil {
			d.logError(opIndex, "chunk_read_failed", err, zap.Int("chunk", chunk))
			return manifest, err
		}
		if err := writePoints(ctx, d.store, chunk, PointsOf(records)); err != nil {
			d.logError(opIndex, "points_write_failed", err, zap.Int("chunk", chunk))
			return manifest, err
		}
		recordsDone += len(records)
		notify(Progress{
			Percent:     float64(chunk+1) * 100 / float64(manifest.TotalChunks),
			PagesDone:   chunk + 1,
			RecordsDone: recordsDone,
			Phase:       PhaseIndexing,
		})
	}

	d.manifest.Lock()
	defer d.manifest.Unlock()
	manifest, err = LoadManifest(ctx, d.store)
	if err != nil {
		return Manifest{}, err
	}
	if !manifest.AllReceived() {
		return manifest, errs.New(opIndex, "chunks_missing", ErrDownloadFailed)
	}
	now := d.now()
	manifest.Status = StatusComplete
	manifest.UpdatedAt = now
	manifest.CompletedAt = &now
	if err := saveManifest(ctx, d.store, manifest); err != nil {
		d.logError(opIndex, "manifest_write_failed", err)
		return manifest, err
	}
	if manifest.TotalChunks == 0 {
		notify(Progress{Percent: 100, Phase: PhaseIndexing})
	}
	return manifest, nil
}

func (d *Downloader) totalCount(ctx context.Context) (int, error) {
	var total int
	err := d.withRetry(ctx, func(ctx context.Context) error {
		count, err := d.source.TotalCustomerCount(ctx)
		if err != nil {
			if remote.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		total = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total < 0 {
		return 0, fmt.Errorf("negative record count %d", total)
	}
	return total, nil
}

func (d *Downloader) withRetry(ctx context.Context, attempt retry.RetryFunc) error {
	backoff := retry.NewExponential(d.backoffBase)
	backoff = retry.WithCappedDuration(d.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(d.maxAttempts-1), backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return attempt(ctx)
	})
}

func (d *Downloader) serializedProgress(onProgress ProgressFunc) ProgressFunc {
	if onProgress == nil {
		return func(Progress) {}
	}
	var mu sync.Mutex
	return func(progress Progress) {
		mu.Lock()
		defer mu.Unlock()
		onProgress(progress)
	}
}

func downloadProgress(manifest Manifest) Progress {
	return Progress{
		Percent:     manifest.Percent(),
		PagesDone:   manifest.ChunksReceived,
		RecordsDone: manifest.RecordsStored,
		Phase:       PhaseDownloading,
	}
}

func (d *Downloader) now() time.Time {
	return d.clock().UTC()
}

func (d *Downloader) logError(operation, reason string, err error, fields ...zap.Field) {
	logging.LogError(d.logger, "dataset error", operation, reason, err, fields...)
}
