package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
)

// DownloadStatus is the lifecycle state of a download task.
type DownloadStatus string

const (
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
)

// downloadBackoff is the per-file retry policy. Hub rate limits and
// transient network failures get a few spaced attempts; everything else
// fails the task.
var downloadBackoff = infra.BackoffPolicy{
	Initial: 500 * time.Millisecond,
	Max:     5 * time.Second,
	Factor:  2,
	Jitter:  0.2,
}

const downloadAttempts = 3

// DownloadRequest describes one download to start.
type DownloadRequest struct {
	ModelID string
	// Revision is a branch, tag, or commit; empty means "main".
	Revision string
	// Include and Exclude are glob patterns matched against each file's
	// repo-relative path and its base name. Empty Include keeps all.
	Include []string
	Exclude []string
	// AutoLoad asks for the auto-load callback once the task completes.
	AutoLoad bool
}

// DownloadTask tracks one background download. All exported access goes
// through Progress snapshots.
type DownloadTask struct {
	ID       string
	ModelID  string
	Revision string

	mu          sync.Mutex
	status      DownloadStatus
	bytesTotal  int64
	filesTotal  int
	filesDone   int
	startedAt   time.Time
	completedAt time.Time
	errText     string

	bytesDone atomic.Int64
	cancel    context.CancelFunc
}

// DownloadProgress is the wire shape served by the progress endpoint.
type DownloadProgress struct {
	ID              string         `json:"id"`
	ModelID         string         `json:"model_id"`
	Revision        string         `json:"revision,omitempty"`
	Status          DownloadStatus `json:"status"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	BytesTotal      int64          `json:"bytes_total"`
	FilesCompleted  int            `json:"files_completed"`
	FilesTotal      int            `json:"files_total"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Progress snapshots the task state.
func (t *DownloadTask) Progress() DownloadProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := DownloadProgress{
		ID:              t.ID,
		ModelID:         t.ModelID,
		Revision:        t.Revision,
		Status:          t.status,
		BytesDownloaded: t.bytesDone.Load(),
		BytesTotal:      t.bytesTotal,
		FilesCompleted:  t.filesDone,
		FilesTotal:      t.filesTotal,
		StartedAt:       t.startedAt,
		Error:           t.errText,
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		p.CompletedAt = &completed
	}
	return p
}

func (t *DownloadTask) setPlan(bytesTotal int64, files int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTotal = bytesTotal
	t.filesTotal = files
}

func (t *DownloadTask) fileDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filesDone++
}

func (t *DownloadTask) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = DownloadStatusCompleted
	t.completedAt = time.Now().UTC()
}

func (t *DownloadTask) fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = DownloadStatusFailed
	t.errText = message
	t.completedAt = time.Now().UTC()
}

var modelIDPart = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateModelID enforces the org/repo reference shape. IDs become cache
// directory names, so anything that could escape the cache root is
// rejected here.
func ValidateModelID(id string) error {
	parts := strings.Split(id, "/")
	if len(parts) != 2 {
		return fmt.Errorf("%w: reference %q is not org/repo form", inference.ErrModelNotFound, utils.SanitizeForLog(id))
	}
	for _, part := range parts {
		if !modelIDPart.MatchString(part) || strings.Contains(part, "..") {
			return fmt.Errorf("%w: reference %q is not org/repo form", inference.ErrModelNotFound, utils.SanitizeForLog(id))
		}
	}
	return nil
}

func defaultRevision(revision string) string {
	if revision == "" {
		return "main"
	}
	return revision
}

// RequestConfirmation mints a one-shot download approval for modelID.
// estimatedBytes may be zero when the hub could not be reached.
func (m *Manager) RequestConfirmation(modelID string, estimatedBytes int64) (PendingConfirmation, error) {
	if err := ValidateModelID(modelID); err != nil {
		return PendingConfirmation{}, err
	}
	return m.confirmations.create(modelID, estimatedBytes)
}

// ConsumeConfirmation redeems a confirmation token. Tokens are single-use
// and expire ten minutes after issue.
func (m *Manager) ConsumeConfirmation(token string) (PendingConfirmation, bool) {
	return m.confirmations.consume(token)
}

// hubFile is one entry from the hub's recursive tree listing.
type hubFile struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// EstimateRepoSize asks the hub how many bytes a download would fetch
// after include/exclude filtering.
func (m *Manager) EstimateRepoSize(ctx context.Context, modelID, revision string, include, exclude []string) (int64, error) {
	if err := ValidateModelID(modelID); err != nil {
		return 0, err
	}
	files, err := m.listHubFiles(ctx, modelID, defaultRevision(revision))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range filterFiles(files, include, exclude) {
		total += f.Size
	}
	return total, nil
}

func (m *Manager) listHubFiles(ctx context.Context, modelID, revision string) ([]hubFile, error) {
	listing := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true",
		m.config.HubURL, modelID, url.PathEscape(revision))

	files, err := infra.Retry(ctx, downloadBackoff, downloadAttempts, retryableDownload, func(int) ([]hubFile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, listing, nil)
		if err != nil {
			return nil, err
		}
		m.authorize(req)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			return nil, &hubStatusError{code: resp.StatusCode}
		}
		var entries []hubFile
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return nil, fmt.Errorf("error while decoding hub listing: %w", err)
		}
		return entries, nil
	})
	if err != nil {
		var statusErr *hubStatusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s not found on hub", inference.ErrModelNotFound, utils.SanitizeForLog(modelID))
		}
		return nil, fmt.Errorf("error while listing %s: %w", utils.SanitizeForLog(modelID), err)
	}
	return files, nil
}

// filterFiles keeps plain files that pass the include globs (all, when
// empty) and none of the exclude globs. Patterns match the repo-relative
// path and the base name.
func filterFiles(files []hubFile, include, exclude []string) []hubFile {
	var out []hubFile
	for _, f := range files {
		if f.Type != "file" {
			continue
		}
		if len(include) > 0 && !matchAny(include, f.Path) {
			continue
		}
		if matchAny(exclude, f.Path) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func matchAny(patterns []string, filePath string) bool {
	base := path.Base(filePath)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, filePath); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// StartDownload registers a task and kicks off its background worker. The
// returned task is already visible to GetDownload; the worker waits for a
// download slot before touching the network.
func (m *Manager) StartDownload(req DownloadRequest) (*DownloadTask, error) {
	if err := ValidateModelID(req.ModelID); err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &DownloadTask{
		ID:        uuid.NewString(),
		ModelID:   req.ModelID,
		Revision:  defaultRevision(req.Revision),
		status:    DownloadStatusDownloading,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	m.downloadMu.Lock()
	m.downloads[task.ID] = task
	autoLoad := m.autoLoad
	m.downloadMu.Unlock()

	go m.runDownload(taskCtx, task, req, autoLoad)
	return task, nil
}

func (m *Manager) runDownload(ctx context.Context, task *DownloadTask, req DownloadRequest, autoLoad func(string)) {
	defer task.cancel()

	select {
	case <-m.pullTokens:
	case <-ctx.Done():
		task.fail("download cancelled")
		return
	}
	defer func() { m.pullTokens <- struct{}{} }()

	log := m.log.WithField("download_id", task.ID).WithField("model", task.ModelID)
	log.Infof("starting download at revision %s", task.Revision)

	files, err := m.listHubFiles(ctx, task.ModelID, task.Revision)
	if err != nil {
		log.WithError(err).Error("failed to list model files")
		task.fail(err.Error())
		return
	}
	files = filterFiles(files, req.Include, req.Exclude)
	if len(files) == 0 {
		task.fail("no files matched the requested filters")
		return
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}
	task.setPlan(totalBytes, len(files))

	destRoot := filepath.Join(m.config.Root, filepath.FromSlash(task.ModelID))
	for _, file := range files {
		if err := m.fetchFile(ctx, task, destRoot, file); err != nil {
			log.WithError(err).Errorf("failed to fetch %s", utils.SanitizeForLog(file.Path))
			task.fail(fmt.Sprintf("fetching %s: %v", path.Base(file.Path), err))
			return
		}
		task.fileDone()
	}

	m.recordDownloaded(task.ModelID, task.Revision)
	task.complete()
	log.Infof("download completed: %d files, %s", len(files), units.HumanSize(float64(totalBytes)))

	if req.AutoLoad && autoLoad != nil {
		go autoLoad(task.ModelID)
	}
}

func (m *Manager) fetchFile(ctx context.Context, task *DownloadTask, destRoot string, file hubFile) error {
	rel := filepath.FromSlash(file.Path)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing file path %q from hub listing", utils.SanitizeForLog(file.Path))
	}
	dest := filepath.Join(destRoot, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("error while creating model directory: %w", err)
	}

	// Present and complete, from an earlier task: count it and move on.
	if info, err := os.Stat(dest); err == nil && info.Size() == file.Size {
		task.bytesDone.Add(file.Size)
		return nil
	}

	_, err := infra.Retry(ctx, downloadBackoff, downloadAttempts, retryableDownload, func(int) (struct{}, error) {
		return struct{}{}, m.fetchFileOnce(ctx, task, dest, file)
	})
	return err
}

// fetchFileOnce streams one file to dest via a temp file so a partial
// fetch never shadows a complete one. Byte progress is rolled back on
// failure; a retry starts the file over.
func (m *Manager) fetchFileOnce(ctx context.Context, task *DownloadTask, dest string, file hubFile) error {
	fileURL := fmt.Sprintf("%s/%s/resolve/%s/%s",
		m.config.HubURL, task.ModelID, url.PathEscape(task.Revision), file.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	m.authorize(req)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return &hubStatusError{code: resp.StatusCode}
	}

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return err
	}
	written, err := io.Copy(io.MultiWriter(out, &progressWriter{task: task}), resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(partial, dest)
	}
	if err != nil {
		task.bytesDone.Add(-written)
		_ = os.Remove(partial)
		return err
	}
	return nil
}

func (m *Manager) authorize(req *http.Request) {
	if m.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.config.Token)
	}
}

// GetDownload returns a progress snapshot for one task.
func (m *Manager) GetDownload(id string) (DownloadProgress, error) {
	m.downloadMu.Lock()
	task, ok := m.downloads[id]
	m.downloadMu.Unlock()
	if !ok {
		return DownloadProgress{}, fmt.Errorf("%w: %s", inference.ErrDownloadNotFound, utils.SanitizeForLog(id))
	}
	return task.Progress(), nil
}

// Downloads returns progress snapshots for all tasks, newest first.
func (m *Manager) Downloads() []DownloadProgress {
	m.downloadMu.Lock()
	tasks := make([]*DownloadTask, 0, len(m.downloads))
	for _, task := range m.downloads {
		tasks = append(tasks, task)
	}
	m.downloadMu.Unlock()

	out := make([]DownloadProgress, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Progress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Close cancels outstanding download workers. Tasks interrupted here are
// marked failed; their partial files are reused on the next attempt.
func (m *Manager) Close() {
	m.downloadMu.Lock()
	defer m.downloadMu.Unlock()
	for _, task := range m.downloads {
		task.cancel()
	}
}

type hubStatusError struct {
	code int
}

func (e *hubStatusError) Error() string {
	return fmt.Sprintf("hub returned status %d", e.code)
}

func retryableDownload(err error) bool {
	var statusErr *hubStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code == http.StatusTooManyRequests || statusErr.code >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// progressWriter feeds io.Copy byte counts into the task counter.
type progressWriter struct {
	task *DownloadTask
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.task.bytesDone.Add(int64(len(p)))
	return len(p), nil
}
