package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/imagecheck"
	"leafdoc/api/internal/imageenc"
	"leafdoc/api/internal/metrics"
	"leafdoc/api/internal/store"
)

// Analyzer is the diagnosis client as seen by the service.
type Analyzer interface {
	Analyze(ctx context.Context, img diagnosis.EncodedImage) (diagnosis.AnalysisResult, error)
	Model() string
}

// Repo caches diagnoses by image hash and keeps per-chat history. It may be nil.
type Repo interface {
	FindByHash(ctx context.Context, imageHash, model string, maxAge time.Duration) (*store.Diagnosis, error)
	Save(ctx context.Context, d *store.Diagnosis) error
	Record(ctx context.Context, chatID int64, d *store.Diagnosis) error
}

type Options struct {
	MaxImageBytes int64
	CacheTTL      time.Duration
}

type Service struct {
	analyzer Analyzer
	repo     Repo
	opt      Options
}

func New(a Analyzer, repo Repo, opt Options) *Service {
	return &Service{analyzer: a, repo: repo, opt: opt}
}

type Input struct {
	ChatID   int64
	Data     []byte
	MIMEType string
}

type Outcome struct {
	Diagnosis store.Diagnosis
	Cached    bool
}

// Diagnose validates the upload, serves a cached diagnosis when one exists and
// otherwise asks the model once. Either way the result is added to the chat's
// history when ChatID is set. Store failures are logged and ignored.
func (s *Service) Diagnose(ctx context.Context, in Input) (Outcome, error) {
	start := time.Now()

	info, err := imagecheck.Validate(in.Data, in.MIMEType, s.opt.MaxImageBytes)
	if err != nil {
		metrics.ObserveDiagnosis(start, err)
		return Outcome{}, err
	}

	sum := sha256.Sum256(in.Data)
	hash := hex.EncodeToString(sum[:])
	model := s.analyzer.Model()
	logger := log.WithFields(log.Fields{
		"chat_id": in.ChatID,
		"hash":    hash[:12],
		"mime":    info.MIMEType,
		"size":    info.Size,
		"width":   info.Width,
		"height":  info.Height,
	})

	if s.repo != nil {
		d, err := s.repo.FindByHash(ctx, hash, model, s.opt.CacheTTL)
		switch {
		case err == nil:
			metrics.CacheHitsTotal.Inc()
			logger.Info("diagnosis served from cache")
			d.ChatID = in.ChatID
			s.record(ctx, logger, d)
			return Outcome{Diagnosis: *d, Cached: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			logger.WithError(err).Warn("cache lookup failed")
		}
	}

	img, err := imageenc.Encode(ctx, bytes.NewReader(in.Data), info.MIMEType)
	if err != nil {
		metrics.ObserveDiagnosis(start, err)
		return Outcome{}, err
	}

	res, err := s.analyzer.Analyze(ctx, img)
	metrics.ObserveDiagnosis(start, err)
	if err != nil {
		logger.WithField("kind", diagnosis.KindOf(err)).WithError(err).Error("diagnosis failed")
		if raw := diagnosis.RawOf(err); raw != "" {
			logger.WithField("raw", raw).Debug("model output")
		}
		return Outcome{}, err
	}

	d := store.Diagnosis{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		ChatID:    in.ChatID,
		ImageHash: hash,
		Model:     model,
		Result:    res,
	}
	if s.repo != nil {
		if err := s.repo.Save(ctx, &d); err != nil {
			logger.WithError(err).Warn("saving diagnosis failed")
		}
		s.record(ctx, logger, &d)
	}
	logger.WithFields(log.Fields{
		"healthy":    res.IsHealthy,
		"disease":    res.DiseaseName,
		"confidence": res.ConfidenceScore,
		"took":       time.Since(start).String(),
	}).Info("diagnosis done")
	return Outcome{Diagnosis: d}, nil
}

func (s *Service) record(ctx context.Context, logger *log.Entry, d *store.Diagnosis) {
	if d.ChatID == 0 {
		return
	}
	if err := s.repo.Record(ctx, d.ChatID, d); err != nil {
		logger.WithError(err).Warn("recording history failed")
	}
}
