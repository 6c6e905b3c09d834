package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

var (
	// ErrNoUpload is returned when analyze is requested before any image was uploaded
	ErrNoUpload = errors.New("no receipt image uploaded")

	// ErrEmptyUpload is returned for a zero byte upload
	ErrEmptyUpload = errors.New("uploaded file is empty")

	// ErrUploadTooLarge is returned when an upload exceeds Limits.MaxUploadSize
	ErrUploadTooLarge = errors.New("uploaded file is too large")

	// ErrUnsupportedType is returned when the upload is not a supported image
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrAnalysisInProgress is returned when the same upload is already being analyzed
	ErrAnalysisInProgress = errors.New("analysis already in progress")

	// ErrAnalysisTimeout is returned when the scanner misses the analysis deadline
	ErrAnalysisTimeout = errors.New("analysis timed out")
)

// allowedContentTypes lists the upload formats, checked against the sniffed content
var allowedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/heic",
	"image/heif",
	"application/pdf",
}

const (
	DefaultAnalysisTimeout = 60 * time.Second
	DefaultMaxUploadSize   = 10 << 20
)

// Limits bounds uploads and analyses
type Limits struct {
	AnalysisTimeout time.Duration
	MaxUploadSize   int64
}

func (l Limits) withDefaults() Limits {
	if l.AnalysisTimeout <= 0 {
		l.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if l.MaxUploadSize <= 0 {
		l.MaxUploadSize = DefaultMaxUploadSize
	}
	return l
}

// IDGenerator generates unique IDs for sessions, uploads and analyses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service runs receipt analyses for browser sessions.
//
// Each session holds at most one upload and one result. A result is replaced
// by whichever analysis of the session completes last.
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	limits      Limits
	idGenerator IDGenerator
	timeSource  TimeSource
	metrics     *Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
	sequence uint64
}

// NewService creates a new Service with random IDs and the wall clock
func NewService(db DB, scanner scanning.Scanner, storage Storage, limits Limits) *Service {
	return NewServiceWithDeps(db, scanner, storage, limits, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithRegistry creates a new Service that reports its metrics to reg
func NewServiceWithRegistry(db DB, scanner scanning.Scanner, storage Storage, limits Limits, reg prometheus.Registerer) *Service {
	s := NewService(db, scanner, storage, limits)
	s.metrics = NewMetrics(reg)
	return s
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing.
// Metrics go to a private registry.
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, limits Limits, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		limits:      limits.withDefaults(),
		idGenerator: idGen,
		timeSource:  timeSrc,
		metrics:     NewMetrics(prometheus.NewRegistry()),
		inFlight:    make(map[string]struct{}),
	}
}

// Limits returns the effective limits
func (s *Service) Limits() Limits {
	return s.limits
}

// Strategy names the configured scanner
func (s *Service) Strategy() string {
	return s.scanner.Name()
}

// OpenSession returns the session with the given ID, or a new session when
// the ID is empty or unknown
func (s *Service) OpenSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		session, err := s.db.GetSession(id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("getting session: %w", err)
		}
	}

	now := s.timeSource.Now()
	session := &Session{
		ID:        s.idGenerator.Generate(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.SaveSession(session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return session, nil
}

// Upload stages a receipt image for the session, replacing any previous upload.
// The current result is kept until the next analysis or an explicit clear.
func (s *Service) Upload(sessionID, filename string, data []byte) (*Upload, error) {
	upload, err := s.stage(sessionID, filename, data)
	s.metrics.observeUpload(err)
	return upload, err
}

func (s *Service) stage(sessionID, filename string, data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if int64(len(data)) > s.limits.MaxUploadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrUploadTooLarge, len(data), s.limits.MaxUploadSize)
	}

	contentType, ok := detectContentType(data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimetype.Detect(data).String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	key, err := s.storage.Stage(fmt.Sprintf("%s_%s", id, filename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	previous := session.Upload
	upload := &Upload{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Size:        len(data),
		Key:         key,
		UploadedAt:  now,
	}
	session.Upload = upload
	session.UpdatedAt = now

	if err := s.db.SaveSession(session); err != nil {
		s.storage.Discard(key)
		return nil, fmt.Errorf("saving session: %w", err)
	}

	if previous != nil {
		if err := s.storage.Discard(previous.Key); err != nil {
			slog.Warn("Failed to discard previous upload", "key", previous.Key, "error", err)
		}
	}

	return upload, nil
}

func detectContentType(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for _, allowed := range allowedContentTypes {
		if detected.Is(allowed) {
			return allowed, true
		}
	}
	return "", false
}

// UploadedImage returns the staged image of the session for preview
func (s *Service) UploadedImage(sessionID string) ([]byte, string, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, "", err
	}
	if session.Upload == nil {
		return nil, "", ErrNoUpload
	}

	data, err := s.storage.Load(session.Upload.Key)
	if err != nil {
		return nil, "", fmt.Errorf("loading upload: %w", err)
	}
	return data, session.Upload.ContentType, nil
}

// Analyze runs the configured scanner on the session's upload under the
// analysis deadline. A failed analysis leaves the current result untouched.
func (s *Service) Analyze(ctx context.Context, sessionID string) (*Analysis, error) {
	analysis, err := s.analyze(ctx, sessionID)
	s.metrics.observeAnalysis(s.scanner.Name(), err)
	return analysis, err
}

func (s *Service) analyze(ctx context.Context, sessionID string) (*Analysis, error) {
	upload, release, err := s.begin(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := s.storage.Load(upload.Key)
	if err != nil {
		return nil, fmt.Errorf("loading upload: %w", err)
	}

	startedAt := s.timeSource.Now()
	scanCtx, cancel := context.WithTimeout(ctx, s.limits.AnalysisTimeout)
	defer cancel()

	s.metrics.inFlight.Inc()
	timer := prometheus.NewTimer(s.metrics.analysisDuration.WithLabelValues(s.scanner.Name()))
	result, err := s.scanner.ScanReceipt(scanCtx, data, upload.ContentType)
	timer.ObserveDuration()
	s.metrics.inFlight.Dec()
	if err != nil {
		slog.Error("Failed to scan receipt",
			"session", sessionID,
			"strategy", s.scanner.Name(),
			"content_type", upload.ContentType,
			"file_size", len(data),
			"error", err,
		)
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrAnalysisTimeout, s.limits.AnalysisTimeout)
		}
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	analysis := &Analysis{
		ID:            s.idGenerator.Generate(),
		UploadID:      upload.ID,
		Strategy:      result.Strategy,
		PromptVersion: result.PromptVersion,
		Markdown:      result.Text,
		Record:        result.Record,
		ExtractedText: result.Lines,
		StartedAt:     startedAt,
	}
	if result.Record != nil && !result.Record.Failed() {
		analysis.Table = scanning.RenderTable(result.Record)
	}

	if err := s.complete(sessionID, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

// begin marks the session's upload as being analyzed
func (s *Service) begin(sessionID string) (*Upload, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("getting session: %w", err)
	}
	if session.Upload == nil {
		return nil, nil, ErrNoUpload
	}

	key := sessionID + "/" + session.Upload.ID
	if _, busy := s.inFlight[key]; busy {
		return nil, nil, ErrAnalysisInProgress
	}
	s.inFlight[key] = struct{}{}

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}
	return session.Upload, release, nil
}

// complete stores the analysis as the session's current result. The
// sequence number records completion order.
func (s *Service) complete(sessionID string, analysis *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}

	s.sequence++
	analysis.Sequence = s.sequence
	analysis.CompletedAt = s.timeSource.Now()

	// OCR lines are only returned to the caller, never kept
	stored := *analysis
	stored.ExtractedText = nil

	session.Result = &stored
	session.UpdatedAt = analysis.CompletedAt
	if err := s.db.SaveSession(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Current returns the analysis on display, or nil
func (s *Service) Current(sessionID string) (*Analysis, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Result, nil
}

// Clear removes the current result of the session
func (s *Service) Clear(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}
	session.Result = nil
	session.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveSession(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// EndSession discards the staged upload and forgets the session
func (s *Service) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}
	return s.end(session)
}

// end removes the session and its upload. Callers hold s.mu.
func (s *Service) end(session *Session) error {
	if session.Upload != nil {
		if err := s.storage.Discard(session.Upload.Key); err != nil {
			slog.Warn("Failed to discard upload", "key", session.Upload.Key, "error", err)
		}
	}
	if err := s.db.DeleteSession(session.ID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SweepIdle ends every session that has not changed for maxIdle. Sessions
// with an analysis in flight are kept. It returns the number of sessions ended.
func (s *Service) SweepIdle(maxIdle time.Duration) (int, error) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	cutoff := s.timeSource.Now().Add(-maxIdle)
	swept := 0
	for _, candidate := range sessions {
		if !candidate.UpdatedAt.Before(cutoff) {
			continue
		}
		ended, err := s.endIfIdle(candidate.ID, cutoff)
		if err != nil {
			return swept, err
		}
		if ended {
			swept++
		}
	}
	return swept, nil
}

// endIfIdle re-reads the session under the lock so a concurrent upload or
// analysis keeps it alive
func (s *Service) endIfIdle(sessionID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting session: %w", err)
	}
	if !session.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if session.Upload != nil {
		if _, busy := s.inFlight[sessionID+"/"+session.Upload.ID]; busy {
			return false, nil
		}
	}
	if err := s.end(session); err != nil {
		return false, err
	}
	return true, nil
}

// RunSweeper calls SweepIdle every interval until ctx is done
func (s *Service) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.SweepIdle(maxIdle)
			if err != nil {
				slog.Error("Failed to sweep idle sessions", "error", err)
				continue
			}
			if swept > 0 {
				slog.Info("Swept idle sessions", "count", swept, "max_idle", maxIdle)
			}
		}
	}
}

func (s *Service) getSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return session, nil
}
