package status_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"actnexus/internal/books/models"
	"actnexus/internal/books/status"
	"actnexus/internal/books/store"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/requestcontext"
)

type transition struct{ from, to models.Status }

type recorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recorder) RecordTransition(from, to models.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, transition{from, to})
}

type MachineSuite struct {
	suite.Suite
	store    *store.InMemoryBookStore
	recorder *recorder
	machine  *status.Machine
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.store = store.NewInMemoryBookStore()
	s.recorder = &recorder{}
	s.machine = status.New(s.store, status.WithRecorder(s.recorder))
}

func (s *MachineSuite) newBook() id.BookID {
	book := &models.Book{Number: 42, Year: 2024, Type: "notas"}
	s.Require().NoError(s.store.Create(context.Background(), book))
	return book.ID
}

func (s *MachineSuite) uploadedBook() id.BookID {
	bookID := s.newBook()
	_, err := s.machine.RegisterUpload(context.Background(), bookID,
		models.BlobRef{Bucket: "b", Key: "books/1/doc.pdf"},
		models.FileMeta{OriginalFilename: "livro.pdf", Size: 50 * 1024, ContentType: "application/pdf"})
	s.Require().NoError(err)
	return bookID
}

func (s *MachineSuite) startRun(bookID id.BookID, force bool) *models.Run {
	run, err := s.machine.RequestProcessing(context.Background(), bookID, status.ProcessingRequest{Immediate: true, Force: force})
	s.Require().NoError(err)
	s.Require().NotNil(run)
	return run
}

func (s *MachineSuite) TestRegisterUpload() {
	ctx := context.Background()

	s.Run("unknown book is not found", func() {
		_, err := s.machine.RegisterUpload(ctx, 999, models.BlobRef{Bucket: "b", Key: "k"}, models.FileMeta{})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("moves no_document to uploaded", func() {
		bookID := s.uploadedBook()
		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusUploaded, book.Status)
		s.Equal("livro.pdf", book.File.OriginalFilename)
		s.False(book.File.UploadedAt.IsZero())
	})

	s.Run("replacing an unprocessed document returns the previous ref", func() {
		bookID := s.uploadedBook()
		prev, err := s.machine.RegisterUpload(ctx, bookID, models.BlobRef{Bucket: "b", Key: "books/1/new.pdf"}, models.FileMeta{})
		s.Require().NoError(err)
		s.Equal("books/1/doc.pdf", prev.Key)
	})

	s.Run("rejected while processing", func() {
		bookID := s.uploadedBook()
		s.startRun(bookID, false)
		_, err := s.machine.RegisterUpload(ctx, bookID, models.BlobRef{Bucket: "b", Key: "k2"}, models.FileMeta{})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("rejected once processed", func() {
		bookID := s.uploadedBook()
		run := s.startRun(bookID, false)
		_, err := s.machine.ReportOutcome(ctx, run, models.Completed(models.ProcessingMetadata{ActsExtracted: 1}))
		s.Require().NoError(err)

		_, err = s.machine.RegisterUpload(ctx, bookID, models.BlobRef{Bucket: "b", Key: "k2"}, models.FileMeta{})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *MachineSuite) TestRequestProcessing() {
	ctx := context.Background()

	s.Run("book without document is not found", func() {
		bookID := s.newBook()
		_, err := s.machine.RequestProcessing(ctx, bookID, status.ProcessingRequest{Immediate: true})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("validation only leaves the book uploaded", func() {
		bookID := s.uploadedBook()
		run, err := s.machine.RequestProcessing(ctx, bookID, status.ProcessingRequest{Immediate: false})
		s.Require().NoError(err)
		s.Nil(run)

		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusUploaded, book.Status)
	})

	s.Run("grants a run with a fresh token", func() {
		bookID := s.uploadedBook()
		now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		run, err := s.machine.RequestProcessing(requestcontext.WithTime(ctx, now), bookID, status.ProcessingRequest{Immediate: true})
		s.Require().NoError(err)
		s.False(run.Token.IsNil())
		s.Equal(now, run.StartedAt)
		s.Equal(models.StatusProcessing, run.Book.Status)

		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(run.Token, book.RunToken)
	})

	s.Run("conflict without force leaves status unchanged", func() {
		bookID := s.uploadedBook()
		run := s.startRun(bookID, false)

		_, err := s.machine.RequestProcessing(ctx, bookID, status.ProcessingRequest{Immediate: true})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, book.Status)
		s.Equal(run.Token, book.RunToken)
	})

	s.Run("force supersedes the active run", func() {
		bookID := s.uploadedBook()
		first := s.startRun(bookID, false)
		second := s.startRun(bookID, true)
		s.NotEqual(first.Token, second.Token)

		applied, err := s.machine.ReportOutcome(ctx, first, models.Failed("late"))
		s.Require().NoError(err)
		s.False(applied)

		applied, err = s.machine.ReportOutcome(ctx, second, models.Completed(models.ProcessingMetadata{ActsExtracted: 2}))
		s.Require().NoError(err)
		s.True(applied)

		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompleted, book.Status)
		s.Empty(book.ErrorMessage)
	})

	s.Run("terminal states re-enter processing", func() {
		bookID := s.uploadedBook()
		run := s.startRun(bookID, false)
		_, err := s.machine.ReportOutcome(ctx, run, models.Failed("upstream timeout"))
		s.Require().NoError(err)

		again := s.startRun(bookID, false)
		book, err := s.machine.Get(ctx, bookID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, book.Status)
		s.Empty(book.ErrorMessage)
		s.Equal(again.Token, book.RunToken)
	})
}

func (s *MachineSuite) TestConcurrentRequestsGrantOneRun() {
	ctx := context.Background()
	bookID := s.uploadedBook()
	const callers = 50

	var wg sync.WaitGroup
	var granted, conflicts atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.machine.RequestProcessing(ctx, bookID, status.ProcessingRequest{Immediate: true})
			switch {
			case err == nil:
				granted.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), granted.Load())
	s.Equal(int32(callers-1), conflicts.Load())
}

func (s *MachineSuite) TestTransitionsFollowLifecycleEdges() {
	ctx := context.Background()
	bookID := s.uploadedBook()
	for i := 0; i < 3; i++ {
		run := s.startRun(bookID, false)
		outcome := models.Completed(models.ProcessingMetadata{ActsExtracted: i})
		if i%2 == 1 {
			outcome = models.Failed("boom")
		}
		_, err := s.machine.ReportOutcome(ctx, run, outcome)
		s.Require().NoError(err)
	}

	allowed := map[transition]bool{
		{models.StatusNoDocument, models.StatusUploaded}: true,
		{models.StatusUploaded, models.StatusProcessing}:  true,
		{models.StatusCompleted, models.StatusProcessing}: true,
		{models.StatusFailed, models.StatusProcessing}:    true,
		{models.StatusProcessing, models.StatusCompleted}: true,
		{models.StatusProcessing, models.StatusFailed}:    true,
	}
	for i, tr := range s.recorder.seen {
		s.True(allowed[tr], "unexpected edge %s -> %s", tr.from, tr.to)
		if i > 0 && tr.to == models.StatusProcessing {
			s.NotEqual(models.StatusProcessing, s.recorder.seen[i-1].to)
		}
	}
	s.Len(s.recorder.seen, 7)
}

func (s *MachineSuite) TestLockRun() {
	ctx := context.Background()
	bookID := s.uploadedBook()
	first := s.startRun(bookID, false)
	s.NoError(s.machine.LockRun(ctx, first))

	s.startRun(bookID, true)
	err := s.machine.LockRun(ctx, first)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MachineSuite) TestReclaimStale() {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	old := s.uploadedBook()
	fresh := s.uploadedBook()

	_, err := s.machine.RequestProcessing(requestcontext.WithTime(context.Background(), base), old, status.ProcessingRequest{Immediate: true})
	s.Require().NoError(err)
	freshRun, err := s.machine.RequestProcessing(requestcontext.WithTime(context.Background(), base.Add(time.Hour)), fresh, status.ProcessingRequest{Immediate: true})
	s.Require().NoError(err)

	ids, err := s.machine.ReclaimStale(context.Background(), base.Add(30*time.Minute))
	s.Require().NoError(err)
	s.Equal([]id.BookID{old}, ids)

	book, err := s.machine.Get(context.Background(), old)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.Equal(status.AbandonedRunMessage, book.ErrorMessage)

	book, err = s.machine.Get(context.Background(), fresh)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, book.Status)
	s.Equal(freshRun.Token, book.RunToken)
}

func (s *MachineSuite) TestFailedOutcomeAlwaysCarriesMessage() {
	ctx := context.Background()
	bookID := s.uploadedBook()
	run := s.startRun(bookID, false)

	_, err := s.machine.ReportOutcome(ctx, run, models.Outcome{Kind: models.OutcomeFailed})
	s.Require().NoError(err)

	book, err := s.machine.Get(ctx, bookID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, book.Status)
	s.NotEmpty(book.ErrorMessage)
}
