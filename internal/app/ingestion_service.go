package app

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"uci_middleware/internal/domain/storage"
	"uci_middleware/internal/domain/submission"
	"uci_middleware/internal/infra/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IngestionService accepts incoming files: it stores them in the incoming area
// and opens a submission for each.
type IngestionService struct {
	lifecycle   LifecycleService
	uowFactory  submission.UnitOfWorkFactory
	store       storage.ObjectStore
	relocator   *Relocator
	areas       config.StorageAreas
	maxFileSize int64
	now         func() time.Time
	logger      logrus.FieldLogger
}

func NewIngestionService(
	lifecycle LifecycleService,
	uowFactory submission.UnitOfWorkFactory,
	store storage.ObjectStore,
	relocator *Relocator,
	areas config.StorageAreas,
	maxFileSize int64,
	logger logrus.FieldLogger,
) *IngestionService {
	return &IngestionService{
		lifecycle:   lifecycle,
		uowFactory:  uowFactory,
		store:       store,
		relocator:   relocator,
		areas:       areas,
		maxFileSize: maxFileSize,
		now:         time.Now,
		logger:      logger,
	}
}

// Ingest checks data, stores it in the incoming area under a unique object
// name and creates its submission. correspondentCode may be empty. A rejected
// upload stores nothing and returns a *submission.ValidationError. If the
// submission cannot be created the stored file is moved to the failed area
// and the creation error is returned. On success the submission has reached
// SchemaValidated.
func (s *IngestionService) Ingest(ctx context.Context, name string, data []byte, correspondentCode string) (*submission.Submission, error) {
	name = strings.TrimSpace(name)
	if err := s.validateUpload(name, data); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{"input_file": name, "correspondent_code": correspondentCode})

	var correspondentID uuid.NullUUID
	if code := strings.TrimSpace(correspondentCode); code != "" {
		c, err := s.uowFactory.NewUnitOfWork().Correspondents().GetByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve correspondent %q: %w", code, err)
		}
		correspondentID = uuid.NullUUID{UUID: c.ID, Valid: true}
	}

	ref := storage.Ref{Area: s.areas.Incoming, Name: s.uniqueName(name)}
	meta := map[string]string{"original-name": name}
	if correspondentCode != "" {
		meta["correspondent"] = correspondentCode
	}
	location, err := s.store.Upload(ctx, ref, data, contentTypeFor(name), meta)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", ref, err)
	}
	log = log.WithField("object", ref.Name)
	log.WithField("location", location).Debug("Input file uploaded")

	sub, err := s.lifecycle.Create(ctx, ref.Name, location, correspondentID)
	if err != nil {
		s.quarantine(context.WithoutCancel(ctx), ref, log)
		return nil, err
	}

	for _, st := range []submission.Status{submission.StatusSizeValidated, submission.StatusSchemaValidated} {
		next, err := s.lifecycle.AdvanceStatus(ctx, sub.ID, st)
		if err != nil {
			// The submission stays at the last status reached.
			log.WithError(err).WithField("submission_id", sub.ID).Warn("Failed to advance ingested submission")
			break
		}
		sub = next
	}
	return sub, nil
}

// validateUpload reports every problem with an upload at once.
func (s *IngestionService) validateUpload(name string, data []byte) error {
	var violations []string
	switch {
	case name == "" || strings.Contains(name, "/"):
		violations = append(violations, fmt.Sprintf("invalid input file name %q", name))
	case !strings.EqualFold(path.Ext(name), ".xml"):
		violations = append(violations, fmt.Sprintf("input file %q must have the .xml extension", name))
	}
	switch {
	case len(data) == 0:
		violations = append(violations, "input file is empty")
	case s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize:
		violations = append(violations, fmt.Sprintf("input file is %d bytes, limit is %d", len(data), s.maxFileSize))
	default:
		if err := checkWellFormed(data); err != nil {
			violations = append(violations, fmt.Sprintf("input file is not well-formed XML: %v", err))
		}
	}
	if len(violations) > 0 {
		return &submission.ValidationError{Violations: violations}
	}
	return nil
}

func checkWellFormed(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("no root element")
	}
	return nil
}

// uniqueName derives the stored object name: <base>_<yyyyMMdd_HHmmss>_<id8><ext>.
func (s *IngestionService) uniqueName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s_%s%s", base, s.now().UTC().Format("20060102_150405"), uuid.NewString()[:8], ext)
}

// quarantine moves a file whose submission could not be created to the failed
// area. Failures are logged only; the caller already has the real error.
func (s *IngestionService) quarantine(ctx context.Context, ref storage.Ref, log logrus.FieldLogger) {
	res, err := s.relocator.Move(ctx, ref, storage.Ref{Area: s.areas.Failed, Name: ref.Name})
	if err != nil {
		log.WithError(err).Error("Failed to move rejected input to the failed area")
		return
	}
	if res.SourceNotCleaned() {
		log.WithError(res.Warning).Warn("Rejected input copied to the failed area but not removed from incoming")
	}
}

// Archive moves a submission's input file from the incoming to the processed
// area. A missing input is not an error.
func (s *IngestionService) Archive(ctx context.Context, sub *submission.Submission) error {
	src := storage.Ref{Area: s.areas.Incoming, Name: sub.InputFileName}
	_, err := s.relocator.Move(ctx, src, storage.Ref{Area: s.areas.Processed, Name: sub.InputFileName})
	if errors.Is(err, ErrSourceNotFound) {
		return nil
	}
	return err
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
