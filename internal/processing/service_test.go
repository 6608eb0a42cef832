package processing_test

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks DocumentStore,Extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"actnexus/internal/books/models"
	"actnexus/internal/books/status"
	"actnexus/internal/books/store"
	"actnexus/internal/extraction"
	"actnexus/internal/ledger"
	ledgermodels "actnexus/internal/ledger/models"
	ledgerstore "actnexus/internal/ledger/store"
	"actnexus/internal/objectstore"
	"actnexus/internal/platform/logger"
	"actnexus/internal/platform/workqueue"
	"actnexus/internal/processing"
	"actnexus/internal/processing/mocks"
	settingsmodels "actnexus/internal/settings/models"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
)

// =============================================================================
// Processing Service Test Suite
// =============================================================================
// Runs go through a real work queue, status machine and usage ledger backed
// by in-memory stores. Only the object store and the AI service are mocked.

const signedURL = "https://storage.test/acts/books/1/livro.pdf?X-Goog-Signature=deadbeef"

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fixedNotary struct{}

func (fixedNotary) NotaryOffice(context.Context) settingsmodels.NotaryOffice {
	return settingsmodels.NotaryOffice{Name: "1º Tabelionato", City: "Curitiba", State: "PR"}
}

type ProcessingServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	docs      *mocks.MockDocumentStore
	extractor *mocks.MockExtractor
	books     *store.InMemoryBookStore
	acts      *store.InMemoryActStore
	usage     *ledger.Service
	machine   *status.Machine
	pool      *workqueue.Pool
	ctx       context.Context
	cancel    context.CancelFunc
}

func TestProcessingServiceSuite(t *testing.T) {
	suite.Run(t, new(ProcessingServiceSuite))
}

func (s *ProcessingServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.docs = mocks.NewMockDocumentStore(s.ctrl)
	s.extractor = mocks.NewMockExtractor(s.ctrl)
	s.books = store.NewInMemoryBookStore()
	s.acts = store.NewInMemoryActStore()
	s.usage = ledger.New(ledgerstore.NewInMemory())
	s.machine = status.New(s.books)
	s.pool = workqueue.New(1, 8, logger.NewWithWriter(io.Discard, "error"))
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

func (s *ProcessingServiceSuite) TearDownTest() {
	_ = s.pool.Shutdown(context.Background())
	s.cancel()
	s.ctrl.Finish()
}

func (s *ProcessingServiceSuite) service(queue processing.Queue) *processing.Service {
	return processing.New(s.machine, s.acts, passthroughTx{}, s.docs, s.extractor, s.usage, queue,
		processing.WithLogger(logger.NewWithWriter(io.Discard, "error")),
		processing.WithNotary(fixedNotary{}),
	)
}

func (s *ProcessingServiceSuite) uploadedBook(number int) id.BookID {
	book := &models.Book{Number: number, Year: 2024, Type: "notas"}
	s.Require().NoError(s.books.Create(s.ctx, book))
	_, err := s.machine.RegisterUpload(s.ctx, book.ID,
		models.BlobRef{Bucket: "acts", Key: fmt.Sprintf("books/%d/livro.pdf", book.ID)},
		models.FileMeta{OriginalFilename: "livro.pdf", Size: 1024, ContentType: "application/pdf"})
	s.Require().NoError(err)
	return book.ID
}

func (s *ProcessingServiceSuite) wait(h *workqueue.Handle) {
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		s.FailNow("run did not finish")
	}
}

func (s *ProcessingServiceSuite) expectPresign(times int) {
	s.docs.EXPECT().
		PresignedURL(gomock.Any(), gomock.Any(), time.Hour, "GET").
		Return(signedURL, nil).
		Times(times)
}

func rawActs(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out
}

func (s *ProcessingServiceSuite) TestRunPersistsValidActsAndRecordsUsage() {
	bookID := s.uploadedBook(42)
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extraction.Request) (extraction.Result, error) {
			doc, _ := req.(extraction.DocumentRequest)
			s.Equal(signedURL, doc.DocumentURL)
			s.Equal(42, doc.Context["livro_numero"])
			office, _ := doc.Context["cartorio_info"].(map[string]any)
			s.Equal("Curitiba", office["cidade"])
			return &extraction.DocumentExtraction{Acts: rawActs(
				`{"numero": 1, "tipo": "Escritura de Compra e Venda", "data_ato": "2024-01-15", "confidence": 0.9,
				  "partes": [{"nome": "Maria Silva", "qualificacao": "vendedora"}]}`,
				`{"numero": 2, "tipo": "Procuração", "data_ato": "16/01/2024", "confidence": 0.7}`,
				`{"numero": 3, "tipo": "   "}`,
			)}, nil
		})
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.Require().NotNil(sub.Handle)
	s.wait(sub.Handle)
	s.NoError(sub.Handle.Err())

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, book.Status)
	s.Require().NotNil(book.Metadata)
	s.Equal(2, book.Metadata.ActsExtracted)
	s.Equal(3, book.Metadata.ActsReceived)
	s.Equal(1, book.Metadata.ActsSkipped)
	s.InDelta(0.8, book.Metadata.AverageConfidence, 1e-9)

	acts, err := s.acts.ListByBook(s.ctx, bookID)
	s.Require().NoError(err)
	s.Len(acts, 2)

	entries, err := s.usage.Entries(s.ctx, processing.OperationID(bookID), 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ledgermodels.StatusSuccess, entries[0].Status)
	s.Equal("document_ingestion", entries[0].OperationType)
	s.Contains(string(entries[0].Input), "https://storage.test/acts/books/1/livro.pdf")
	s.NotContains(string(entries[0].Input), "X-Goog-Signature")

	report, ok := sub.Handle.Result().(*processing.RunReport)
	s.Require().True(ok)
	s.True(report.Applied)
	s.Equal(2, report.ActsExtracted)
}

func (s *ProcessingServiceSuite) TestRunReplacesPreviousActs() {
	bookID := s.uploadedBook(7)
	s.Require().NoError(s.acts.Insert(s.ctx, &models.Act{BookID: bookID, Number: 1, Type: "Antigo"}))
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		Return(&extraction.DocumentExtraction{Acts: rawActs(`{"numero": 1, "tipo": "Testamento"}`)}, nil)
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)

	acts, err := s.acts.ListByBook(s.ctx, bookID)
	s.Require().NoError(err)
	s.Require().Len(acts, 1)
	s.Equal("Testamento", acts[0].Type)
}

func (s *ProcessingServiceSuite) TestUpstreamTimeoutFailsBook() {
	bookID := s.uploadedBook(42)
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("document_ingestion: %w", extraction.ErrUpstreamTimeout))
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)
	s.Error(sub.Handle.Err())

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.Contains(book.ErrorMessage, "timeout")

	entries, err := s.usage.Entries(s.ctx, processing.OperationID(bookID), 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ledgermodels.StatusError, entries[0].Status)
	s.Equal(book.ErrorMessage, entries[0].ErrorMessage)
}

func (s *ProcessingServiceSuite) TestUpstreamErrorMessageIsSanitized() {
	bookID := s.uploadedBook(3)
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		Return(nil, &extraction.UpstreamError{StatusCode: 500, Body: "Traceback: secret stack"})
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.Equal("AI service error: HTTP 500", book.ErrorMessage)
	s.NotContains(book.ErrorMessage, "Traceback")
}

func (s *ProcessingServiceSuite) TestConfidenceAveragesStoredActsOnly() {
	bookID := s.uploadedBook(7)
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		Return(&extraction.DocumentExtraction{Acts: rawActs(
			`{"numero": 1, "tipo": "Escritura", "confidence": 0.9}`,
			`{"numero": 1, "tipo": "Escritura repetida", "confidence": 0.3}`,
			`{"numero": 2, "tipo": "Procuração", "confidence": 0.7}`,
		)}, nil)
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, book.Status)
	s.Require().NotNil(book.Metadata)
	s.Equal(2, book.Metadata.ActsExtracted)
	s.Equal(1, book.Metadata.ActsSkipped)
	s.InDelta(0.8, book.Metadata.AverageConfidence, 1e-9)
}

func (s *ProcessingServiceSuite) TestSubmitWhileProcessing() {
	bookID := s.uploadedBook(42)
	svc := s.service(s.pool)

	first, err := svc.Submit(s.ctx, bookID, false)
	s.Require().NoError(err)

	s.Run("without force is a conflict", func() {
		_, err := svc.Submit(s.ctx, bookID, false)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("forced run supersedes the first", func() {
		second, err := svc.Submit(s.ctx, bookID, true)
		s.Require().NoError(err)
		s.NotEqual(first.Run.Token, second.Run.Token)

		s.expectPresign(2)
		s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
			Return(&extraction.DocumentExtraction{Acts: rawActs(`{"numero": 1, "tipo": "Velho"}`)}, nil)
		s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
			Return(&extraction.DocumentExtraction{Acts: rawActs(`{"numero": 1, "tipo": "Novo"}`)}, nil)
		s.pool.Start(s.ctx)
		s.wait(first.Handle)
		s.wait(second.Handle)

		firstReport, ok := first.Handle.Result().(*processing.RunReport)
		s.Require().True(ok)
		s.False(firstReport.Applied)

		book, err := s.machine.Get(s.ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompleted, book.Status)
		s.True(book.RunToken.IsNil())

		secondReport, ok := second.Handle.Result().(*processing.RunReport)
		s.Require().True(ok)
		s.True(secondReport.Applied)

		acts, err := s.acts.ListByBook(s.ctx, bookID)
		s.Require().NoError(err)
		s.Require().Len(acts, 1)
		s.Equal("Novo", acts[0].Type)
	})
}

func (s *ProcessingServiceSuite) TestQueueFullFailsBook() {
	pool := workqueue.New(1, 1, logger.NewWithWriter(io.Discard, "error"))
	defer func() { _ = pool.Shutdown(context.Background()) }()
	svc := s.service(pool)
	busy := s.uploadedBook(1)
	bookID := s.uploadedBook(2)

	_, err := svc.Submit(s.ctx, busy, false)
	s.Require().NoError(err)

	_, err = svc.Submit(s.ctx, bookID, false)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.Equal("could not schedule processing", book.ErrorMessage)
}

func (s *ProcessingServiceSuite) TestPanicFailsBookAndClosesEntry() {
	bookID := s.uploadedBook(5)
	s.expectPresign(1)
	s.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, extraction.Request) (extraction.Result, error) {
			panic("nil map write")
		})
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)
	s.Error(sub.Handle.Err())

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.Equal("internal error during processing", book.ErrorMessage)

	entries, err := s.usage.Entries(s.ctx, processing.OperationID(bookID), 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ledgermodels.StatusError, entries[0].Status)
}

func (s *ProcessingServiceSuite) TestPresignFailureSkipsAICall() {
	bookID := s.uploadedBook(8)
	s.docs.EXPECT().PresignedURL(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.New("signing key unavailable"))
	s.pool.Start(s.ctx)

	sub, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)
	s.wait(sub.Handle)

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)

	entries, err := s.usage.Entries(s.ctx, processing.OperationID(bookID), 10)
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *ProcessingServiceSuite) TestReprocess() {
	s.Run("missing stored object is not found", func() {
		bookID := s.uploadedBook(10)
		s.docs.EXPECT().Stat(gomock.Any(), gomock.Any()).Return(objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound)

		_, err := s.service(s.pool).Reprocess(s.ctx, bookID, false)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("book without document is not found", func() {
		book := &models.Book{Number: 11, Year: 2024, Type: "notas"}
		s.Require().NoError(s.books.Create(s.ctx, book))

		_, err := s.service(s.pool).Reprocess(s.ctx, book.ID, false)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("present object queues a run", func() {
		bookID := s.uploadedBook(12)
		s.docs.EXPECT().Stat(gomock.Any(), gomock.Any()).Return(objectstore.ObjectInfo{Size: 1024}, nil)

		sub, err := s.service(s.pool).Reprocess(s.ctx, bookID, false)
		s.Require().NoError(err)
		s.Equal(workqueue.StateQueued, sub.Handle.State())
	})
}

func (s *ProcessingServiceSuite) TestUpload() {
	svc := s.service(s.pool)

	s.Run("rejects non pdf files", func() {
		book := &models.Book{Number: 20, Year: 2024, Type: "notas"}
		s.Require().NoError(s.books.Create(s.ctx, book))

		_, err := svc.Upload(s.ctx, book.ID, processing.UploadFile{
			Filename: "livro.docx", ContentType: "application/msword", Data: []byte("not a pdf"),
		}, false)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("stores document and replaces previous object", func() {
		bookID := s.uploadedBook(21)
		newRef := objectstore.Ref{Bucket: "acts", Key: "books/21/novo.pdf"}
		s.docs.EXPECT().Put(gomock.Any(), gomock.Any(), "novo.pdf", fmt.Sprintf("books/%d", bookID)).Return(newRef, nil)
		s.docs.EXPECT().Delete(gomock.Any(), objectstore.Ref{Bucket: "acts", Key: fmt.Sprintf("books/%d/livro.pdf", bookID)}).Return(nil)

		res, err := svc.Upload(s.ctx, bookID, processing.UploadFile{
			Filename: "novo.pdf", ContentType: "application/pdf", Data: minimalPDF(),
		}, false)
		s.Require().NoError(err)
		s.False(res.ProcessingStarted)
		s.Equal(models.StatusUploaded, res.Book.Status)
		s.Equal(1, res.Book.File.PageCount)
		s.Equal("books/21/novo.pdf", res.Book.Document.Key)
	})

	s.Run("immediate upload queues a run", func() {
		book := &models.Book{Number: 22, Year: 2024, Type: "notas"}
		s.Require().NoError(s.books.Create(s.ctx, book))
		s.docs.EXPECT().Put(gomock.Any(), gomock.Any(), "livro.pdf", gomock.Any()).
			Return(objectstore.Ref{Bucket: "acts", Key: "books/22/livro.pdf"}, nil)

		res, err := svc.Upload(s.ctx, book.ID, processing.UploadFile{
			Filename: "livro.pdf", ContentType: "application/pdf", Data: minimalPDF(),
		}, true)
		s.Require().NoError(err)
		s.True(res.ProcessingStarted)
		s.Require().NotNil(res.JobID)
		s.Equal(models.StatusProcessing, res.Book.Status)
	})

	s.Run("book being processed rejects a new document", func() {
		bookID := s.uploadedBook(23)
		_, err := svc.Submit(s.ctx, bookID, false)
		s.Require().NoError(err)

		_, err = svc.Upload(s.ctx, bookID, processing.UploadFile{
			Filename: "livro.pdf", ContentType: "application/pdf", Data: minimalPDF(),
		}, false)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ProcessingServiceSuite) TestGetStatusAndDownload() {
	bookID := s.uploadedBook(30)
	svc := s.service(s.pool)

	report, err := svc.GetStatus(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusUploaded, report.Book.Status)
	s.Zero(report.ActCount)
	s.Empty(report.AIEntries)

	s.docs.EXPECT().PresignedURL(gomock.Any(), gomock.Any(), 15*time.Minute, "GET").Return(signedURL, nil)
	dl, err := svc.Download(s.ctx, bookID, processing.DownloadRedirect)
	s.Require().NoError(err)
	s.Equal(signedURL, dl.URL)

	s.docs.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, objectstore.ErrObjectNotFound)
	_, err = svc.Download(s.ctx, bookID, processing.DownloadDirect)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = processing.ParseDownloadMode("inline")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ProcessingServiceSuite) TestReclaimerFailsAbandonedRuns() {
	bookID := s.uploadedBook(40)
	_, err := s.service(s.pool).Submit(s.ctx, bookID, false)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	err = s.service(s.pool).RunReclaimer(ctx, time.Hour, -time.Minute)
	s.ErrorIs(err, context.DeadlineExceeded)

	book, err := s.machine.Get(s.ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
}

// minimalPDF builds a one-page PDF with a correct cross-reference table.
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>",
	}
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}
