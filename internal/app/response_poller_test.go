package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/storage"
	"uci_middleware/internal/domain/submission"
	"uci_middleware/internal/infra/config"
	"uci_middleware/internal/infra/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAreas = config.StorageAreas{
	Incoming:  "incoming",
	Processed: "processed",
	Failed:    "failed",
	Responses: "responses",
	Output:    "output",
}

type pipelineFixture struct {
	*lifecycleFixture
	files     *relocatorFixture
	ingestion *IngestionService
	poller    *ResponsePoller
}

func testResponseRef(protocol string) storage.Ref {
	return storage.Ref{Area: "responses", Name: protocol + "_resp.xml"}
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	lf := newLifecycleFixture(t)
	rf := newRelocatorFixture(t)
	ingestion := NewIngestionService(lf.svc, lf.store, rf.store, rf.relocator, testAreas, 1<<10, logger.Discard())
	ingestion.now = lf.clock.Now
	poller := NewResponsePoller(lf.svc, ingestion, rf.store, rf.relocator, testAreas, "_resp.xml", 4, logger.Discard())
	return &pipelineFixture{lifecycleFixture: lf, files: rf, ingestion: ingestion, poller: poller}
}

func incomingRef(sub *submission.Submission) storage.Ref {
	return storage.Ref{Area: "incoming", Name: sub.InputFileName}
}

func TestIngestion_UploadsAndCreates(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	sub, err := f.ingestion.Ingest(ctx, "a.xml", []byte("<flow/>"), "C1")
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSchemaValidated, sub.Status)
	assert.Equal(t, f.c1.ID, sub.CorrespondentID.UUID)
	assert.Regexp(t, `^a_20240315_100000_[0-9a-f]{8}\.xml$`, sub.InputFileName)

	entry, err := f.files.store.Info(ctx, incomingRef(sub))
	require.NoError(t, err)
	assert.Equal(t, "a.xml", entry.Metadata["original-name"])
	assert.Equal(t, "C1", entry.Metadata["correspondent"])
	assert.Contains(t, entry.ContentType, "xml")
	assert.Equal(t, "/data/incoming/"+sub.InputFileName, sub.InputFileFullPath)
}

func TestIngestion_SameNameKeepsBothFiles(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	first, err := f.ingestion.Ingest(ctx, "a.xml", []byte("<first/>"), "C1")
	require.NoError(t, err)
	second, err := f.ingestion.Ingest(ctx, "a.xml", []byte("<second/>"), "C1")
	require.NoError(t, err)
	assert.NotEqual(t, first.InputFileFullPath, second.InputFileFullPath)

	data, err := f.files.store.Download(ctx, incomingRef(first))
	require.NoError(t, err)
	assert.Equal(t, "<first/>", string(data))
	data, err = f.files.store.Download(ctx, incomingRef(second))
	require.NoError(t, err)
	assert.Equal(t, "<second/>", string(data))
}

func TestIngestion_RejectsBadNames(t *testing.T) {
	f := newPipelineFixture(t)
	for _, name := range []string{"", "  ", "dir/a.xml"} {
		_, err := f.ingestion.Ingest(context.Background(), name, []byte("<flow/>"), "")
		assert.True(t, submission.IsValidationFailed(err), name)
	}
}

func TestIngestion_RejectsBadUploads(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		data      []byte
		violation string
	}{
		{name: "wrong extension", file: "a.exe", data: []byte("<flow/>"), violation: ".xml extension"},
		{name: "empty", file: "a.xml", data: nil, violation: "empty"},
		{name: "too large", file: "a.xml", data: []byte("<flow>" + strings.Repeat("x", 2<<10) + "</flow>"), violation: "limit is 1024"},
		{name: "malformed", file: "a.xml", data: []byte("<flow><open></flow>"), violation: "not well-formed"},
		{name: "no root element", file: "a.xml", data: []byte("just text"), violation: "no root element"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			_, err := f.ingestion.Ingest(context.Background(), tt.file, tt.data, "C1")
			var verr *submission.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, strings.Join(verr.Violations, "; "), tt.violation)

			stored, err := f.files.store.List(context.Background(), "incoming", "")
			require.NoError(t, err)
			assert.Empty(t, stored)
			page, err := f.svc.ListByStatus(context.Background(), submission.StatusUploaded, 1, 10)
			require.NoError(t, err)
			assert.Zero(t, page.TotalCount)
		})
	}
}

func TestIngestion_ReportsAllUploadProblems(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.ingestion.Ingest(context.Background(), "a.exe", nil, "")
	var verr *submission.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestIngestion_UnknownCorrespondentUploadsNothing(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.ingestion.Ingest(context.Background(), "a.xml", []byte("<flow/>"), "NOPE")
	assert.ErrorIs(t, err, correspondent.ErrNotFound)
	stored, err := f.files.store.List(context.Background(), "incoming", "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIngestion_QuarantinesOnCreateFailure(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	name := strings.Repeat("a", 300) + ".xml"

	_, err := f.ingestion.Ingest(ctx, name, []byte("<flow/>"), "")
	assert.True(t, submission.IsValidationFailed(err))

	incoming, err := f.files.store.List(ctx, "incoming", "")
	require.NoError(t, err)
	assert.Empty(t, incoming)
	failed, err := f.files.store.List(ctx, "failed", "")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, name, failed[0].Metadata["original-name"])
}

func TestResponsePoller_CompletesAnsweredSubmissions(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	answered, err := f.ingestion.Ingest(ctx, "a.xml", []byte("<flow/>"), "C1")
	require.NoError(t, err)
	waiting, err := f.ingestion.Ingest(ctx, "b.xml", []byte("<flow/>"), "C1")
	require.NoError(t, err)
	_, err = f.svc.MarkAsSent(ctx, answered.ID, "PROT001")
	require.NoError(t, err)
	_, err = f.svc.MarkAsSent(ctx, waiting.ID, "PROT002")
	require.NoError(t, err)
	f.files.put(t, testResponseRef("PROT001"), "<response/>")

	f.clock.Advance(time.Hour)
	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Scanned: 2, Completed: 1, Attempted: 1}, report)

	done, err := f.svc.Get(ctx, answered.ID)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusCompleted, done.Status)
	assert.Equal(t, "PROT001_resp.xml", done.OutputFileName.String)
	assert.Equal(t, "/data/output/PROT001_resp.xml", done.OutputFileFullPath.String)

	assert.False(t, f.files.exists(t, storage.Ref{Area: "responses", Name: "PROT001_resp.xml"}))
	assert.True(t, f.files.exists(t, storage.Ref{Area: "output", Name: "PROT001_resp.xml"}))
	assert.False(t, f.files.exists(t, incomingRef(answered)))
	assert.True(t, f.files.exists(t, storage.Ref{Area: "processed", Name: answered.InputFileName}))

	stillWaiting, err := f.svc.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSent, stillWaiting.Status)
	assert.Equal(t, f.clock.Now(), stillWaiting.LastResponseAttemptDate.Time)

	report, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "the attempt just recorded hides the waiting submission")
}

func TestResponsePoller_StopsOnCancellation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.poller.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// flakyLifecycle fails the first RecordResponse calls.
type flakyLifecycle struct {
	LifecycleService
	mu       sync.Mutex
	failures int
}

func (l *flakyLifecycle) RecordResponse(ctx context.Context, id uuid.UUID, outputName, outputPath string) (*submission.Submission, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return l.LifecycleService.RecordResponse(ctx, id, outputName, outputPath)
}

func TestResponsePoller_RecoversResponseMovedBeforeFailedRecord(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	flaky := &flakyLifecycle{LifecycleService: f.svc, failures: 1}
	poller := NewResponsePoller(flaky, f.ingestion, f.files.store, f.files.relocator, testAreas, "_resp.xml", 4, logger.Discard())

	sub, err := f.ingestion.Ingest(ctx, "a.xml", []byte("<flow/>"), "C1")
	require.NoError(t, err)
	_, err = f.svc.MarkAsSent(ctx, sub.ID, "PROT001")
	require.NoError(t, err)
	f.files.put(t, testResponseRef("PROT001"), "<response/>")

	report, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Scanned: 1, Failed: 1}, report)
	assert.True(t, f.files.exists(t, storage.Ref{Area: "output", Name: "PROT001_resp.xml"}))

	report, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Scanned: 1, Completed: 1}, report)

	done, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusCompleted, done.Status)
	assert.Equal(t, "PROT001_resp.xml", done.OutputFileName.String)
	assert.Equal(t, "/data/output/PROT001_resp.xml", done.OutputFileFullPath.String)
	assert.True(t, f.files.exists(t, storage.Ref{Area: "processed", Name: sub.InputFileName}))
}
