package scorefollow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/position"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/storage"
	"github.com/himanishpuri/ScoreFollow/pkg/utils"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrUnsupportedScore = errors.New("unsupported score format")
	ErrPreprocess       = errors.New("score preprocessing failed")
	ErrServiceClosed    = errors.New("service closed")
)

// tracker is the runtime state of a session that has been tracked at least
// once since the process started.
type tracker struct {
	cancel      context.CancelFunc
	done        chan struct{}
	status      models.SessionStatus
	reason      string
	subscribers int
	// cancelled is set once the last subscriber left or Cancel ran. The
	// worker may still be winding down, but nobody may join it.
	cancelled bool
}

// live reports whether a new subscriber can join the tracker's worker.
func (tr *tracker) live() bool {
	return !tr.cancelled && !tr.status.Terminal()
}

// coordinator is the default implementation of the Service interface.
type coordinator struct {
	storage Storage
	store   *position.Store
	log     Logger
	config  *Config
	metrics *metrics.Metrics

	slots chan struct{}
	root  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu       sync.Mutex
	trackers map[string]*tracker
	closed   bool
}

func NewService(opts ...Option) (Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.WorkerSlots < 1 {
		cfg.WorkerSlots = 1
	}
	if cfg.MaxInputRetries < 0 {
		cfg.MaxInputRetries = 0
	}
	if cfg.Store == nil {
		cfg.Store = position.NewStore()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Opener == nil {
		cfg.Opener = audio.NewOpener(cfg.UploadDir)
	}
	if cfg.Engines == nil {
		cfg.Engines = DefaultEngines(EngineConfig{})
	}

	if err := utils.PurgeDir(cfg.UploadDir); err != nil {
		return nil, fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	var stor Storage
	var err error
	if cfg.Storage != nil {
		stor = cfg.Storage
	} else {
		stor, err = NewSQLiteStorage(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}
	if n, err := stor.StopUnfinished(); err != nil {
		cfg.Logger.Warnf("Could not reset unfinished sessions: %v", err)
	} else if n > 0 {
		cfg.Logger.Infof("Marked %d sessions from a previous run as stopped", n)
	}

	root, stop := context.WithCancel(context.Background())
	s := &coordinator{
		storage:  stor,
		store:    cfg.Store,
		log:      cfg.Logger,
		config:   cfg,
		metrics:  cfg.Metrics,
		slots:    make(chan struct{}, cfg.WorkerSlots),
		root:     root,
		stop:     stop,
		trackers: make(map[string]*tracker),
	}
	if n, err := s.pruneRegistry(); err != nil {
		cfg.Logger.Warnf("Could not prune the session registry: %v", err)
	} else if n > 0 {
		cfg.Logger.Infof("Dropped %d sessions whose uploads no longer exist", n)
	}
	return s, nil
}

// pruneRegistry deletes rows whose uploaded score is gone from disk.
func (s *coordinator) pruneRegistry() (int, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, session := range sessions {
		if fileExists(session.ScorePath) && fileExists(session.MIDIPath) {
			continue
		}
		if err := s.storage.DeleteSession(session.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Register saves the upload as {id}_{filename}, prepares its MIDI and
// reference audio, and records the session.
func (s *coordinator) Register(ctx context.Context, filename string, r io.Reader) (string, error) {
	name := sanitizeFilename(filename)
	if !score.IsSupported(name) {
		s.metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScore, filepath.Ext(name))
	}

	id := utils.NewSessionID()
	path := filepath.Join(s.config.UploadDir, id+"_"+name)
	n, err := utils.WriteFile(path, r)
	if err != nil {
		s.metrics.Uploads.WithLabelValues("error").Inc()
		return "", fmt.Errorf("saving upload: %w", err)
	}
	s.log.Infof("Saved %s as %s (%s)", filename, filepath.Base(path), humanize.Bytes(uint64(n)))

	session, err := s.prepare(ctx, id, name, path)
	if err != nil {
		s.metrics.Uploads.WithLabelValues("error").Inc()
		return "", err
	}

	s.metrics.Uploads.WithLabelValues("ok").Inc()
	s.log.Infof("Registered session %s for %s (%.1fs of score)", id, name, session.duration)
	return id, nil
}

type preparedSession struct {
	*models.Session
	duration float64
}

func (s *coordinator) prepare(ctx context.Context, id, name, path string) (*preparedSession, error) {
	prepared, err := score.Prepare(ctx, path, score.PrepareConfig{
		Converter:  s.config.Converter,
		SampleRate: s.config.RenderSampleRate,
	})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrPreprocess, err)
	}

	session := &models.Session{
		ID:           id,
		OriginalName: name,
		ScorePath:    path,
		MIDIPath:     prepared.MIDIPath,
		AudioPath:    prepared.AudioPath,
		Status:       models.StatusRegistered,
	}
	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return &preparedSession{Session: session, duration: prepared.Score.Duration()}, nil
}

// lookup finds a session in storage, falling back to an upload that is still
// on disk but missing from the registry.
func (s *coordinator) lookup(id string) (*models.Session, error) {
	session, err := s.storage.GetSession(id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	path, ferr := score.FindScoreFile(s.config.UploadDir, id)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	name := strings.TrimPrefix(filepath.Base(path), id+"_")
	s.log.Warnf("Session %s missing from registry, re-preparing %s", id, name)
	prepared, err := s.prepare(context.Background(), id, name, path)
	if err != nil {
		return nil, err
	}
	return prepared.Session, nil
}

func (s *coordinator) StartTracking(sessionID string, input models.InputDescriptor) (bool, error) {
	if !utils.IsSessionID(sessionID) {
		return false, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	if s.subscribe(sessionID) {
		return false, nil
	}

	session, err := s.lookup(sessionID)
	if err != nil {
		return false, err
	}
	ref, err := score.Load(session.MIDIPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warnf("Session %s lost its prepared score, dropping it", sessionID)
		if derr := s.storage.DeleteSession(sessionID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			s.log.Warnf("Could not drop session %s: %v", sessionID, derr)
		}
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return false, fmt.Errorf("loading score for %s: %w", sessionID, err)
	}
	if input.Kind == models.InputRendered {
		if session.AudioPath == "" {
			return false, fmt.Errorf("session %s has no rendered audio", sessionID)
		}
		input.Path = session.AudioPath
	}

	log := Logger(s.log)
	if l, ok := s.log.(*logger.Logger); ok {
		log = l.With("[session " + sessionID + "]")
	}
	w := &Worker{
		SessionID:  sessionID,
		Score:      ref,
		Input:      input,
		Opener:     s.config.Opener,
		Engines:    s.config.Engines,
		Store:      s.store,
		Log:        log,
		MaxRetries: s.config.MaxInputRetries,
		RetryDelay: s.config.RetryDelay,
		Metrics:    s.metrics,
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, ErrServiceClosed
		}
		prev := s.trackers[sessionID]
		if prev != nil && prev.live() {
			// another caller launched it while we were loading the score
			prev.subscribers++
			s.mu.Unlock()
			return false, nil
		}
		if prev != nil && !prev.status.Terminal() {
			// the previous worker is still winding down; only one may write
			s.mu.Unlock()
			select {
			case <-prev.done:
			case <-s.root.Done():
			}
			continue
		}

		ctx, cancel := context.WithCancel(s.root)
		tr := &tracker{
			cancel:      cancel,
			done:        make(chan struct{}),
			status:      models.StatusQueued,
			subscribers: 1,
		}
		if prev != nil {
			tr.subscribers += prev.subscribers
		}
		s.trackers[sessionID] = tr
		s.wg.Add(1)
		s.mu.Unlock()

		s.persistStatus(sessionID, models.StatusQueued, "")
		go s.run(ctx, sessionID, tr, w)
		return true, nil
	}
}

// subscribe adds a subscriber to a live tracker. It reports false when the
// session has no queued or running worker.
func (s *coordinator) subscribe(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackers[sessionID]
	if tr == nil || !tr.live() {
		return false
	}
	tr.subscribers++
	return true
}

// run owns one worker from queueing to termination.
func (s *coordinator) run(ctx context.Context, id string, tr *tracker, w *Worker) {
	defer s.wg.Done()
	defer close(tr.done)

	s.metrics.QueuedWorkers.Inc()
	select {
	case s.slots <- struct{}{}:
		s.metrics.QueuedWorkers.Dec()
	case <-ctx.Done():
		s.metrics.QueuedWorkers.Dec()
		s.finish(id, tr, models.StatusStopped, "")
		return
	}
	defer func() { <-s.slots }()

	s.setStatus(id, tr, models.StatusActive)
	s.metrics.ActiveWorkers.Inc()
	started := time.Now()
	w.Log.Infof("Alignment worker started")

	err := w.Run(ctx)
	s.metrics.ActiveWorkers.Dec()

	switch {
	case err == nil:
		w.Log.Infof("Alignment completed after %s", time.Since(started).Round(time.Millisecond))
		s.finish(id, tr, models.StatusCompleted, "")
	case errors.Is(err, context.Canceled):
		w.Log.Infof("Alignment stopped after %s", time.Since(started).Round(time.Millisecond))
		s.finish(id, tr, models.StatusStopped, "")
	default:
		w.Log.Errorf("Alignment failed: %v", err)
		s.finish(id, tr, models.StatusFailed, err.Error())
	}
}

func (s *coordinator) setStatus(id string, tr *tracker, status models.SessionStatus) {
	s.mu.Lock()
	tr.status = status
	s.mu.Unlock()
	s.persistStatus(id, status, "")
}

// finish records the terminal state. With nobody subscribed the session's
// position is dropped; otherwise the last subscriber's StopTracking does it.
func (s *coordinator) finish(id string, tr *tracker, status models.SessionStatus, reason string) {
	s.mu.Lock()
	tr.status = status
	tr.reason = reason
	tr.cancel()
	orphaned := tr.subscribers <= 0
	if orphaned && s.trackers[id] == tr {
		delete(s.trackers, id)
	}
	s.mu.Unlock()

	if orphaned {
		s.store.Remove(id)
	}
	s.metrics.WorkerRuns.WithLabelValues(string(status)).Inc()
	s.persistStatus(id, status, reason)
}

func (s *coordinator) persistStatus(id string, status models.SessionStatus, reason string) {
	if err := s.storage.UpdateStatus(id, status, reason); err != nil {
		s.log.Warnf("Could not persist status %s for session %s: %v", status, id, err)
	}
}

func (s *coordinator) StopTracking(sessionID string) {
	s.mu.Lock()
	tr := s.trackers[sessionID]
	if tr == nil {
		s.mu.Unlock()
		s.store.Remove(sessionID)
		return
	}
	tr.subscribers--
	if tr.subscribers > 0 {
		s.mu.Unlock()
		return
	}
	tr.subscribers = 0
	tr.cancelled = true
	tr.cancel()
	if tr.status.Terminal() {
		delete(s.trackers, sessionID)
	}
	s.mu.Unlock()

	s.store.Remove(sessionID)
}

func (s *coordinator) Cancel(sessionID string) error {
	s.mu.Lock()
	tr := s.trackers[sessionID]
	if tr != nil {
		tr.cancelled = true
	}
	s.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: %s is not being tracked", ErrSessionNotFound, sessionID)
	}
	tr.cancel()
	<-tr.done
	return nil
}

func (s *coordinator) Position(sessionID string) models.Position {
	return s.store.Get(sessionID)
}

func (s *coordinator) Status(sessionID string) (models.SessionStatus, string) {
	s.mu.Lock()
	tr := s.trackers[sessionID]
	if tr != nil {
		defer s.mu.Unlock()
		return tr.status, tr.reason
	}
	s.mu.Unlock()

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return "", ""
	}
	return session.Status, session.Error
}

func (s *coordinator) Session(sessionID string) (*models.Session, error) {
	session, err := s.storage.GetSession(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	session.Status, session.Error = s.Status(sessionID)
	return session, nil
}

func (s *coordinator) Sessions() ([]SessionInfo, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, err
	}
	positions := s.store.Snapshot()

	out := make([]SessionInfo, len(sessions))
	for i, session := range sessions {
		session.Status, session.Error = s.Status(session.ID)
		info := SessionInfo{Session: session}
		if beat, ok := positions[session.ID]; ok {
			info.Position = models.At(beat)
		}
		out[i] = info
	}
	return out, nil
}

// Close cancels every worker, waits for them (bounded by ctx), purges the
// upload directory and drops the registry rows that pointed into it.
func (s *coordinator) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}

	if n := s.store.Len(); n > 0 {
		s.log.Infof("Dropping %d live positions", n)
	}
	s.store.Clear()
	if _, err := s.storage.StopUnfinished(); err != nil {
		errs = append(errs, err)
	}
	if err := utils.PurgeDir(s.config.UploadDir); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.pruneRegistry(); err != nil {
		errs = append(errs, err)
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sanitizeFilename keeps the base name and replaces characters that are
// awkward in paths.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == ':' || r < 0x20:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "" {
		return "score"
	}
	return name
}
