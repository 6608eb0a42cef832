//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"actnexus/internal/books/models"
	"actnexus/internal/books/store"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
	txcontext "actnexus/pkg/platform/tx"
	"actnexus/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	books    *store.PostgresBookStore
	acts     *store.PostgresActStore
	tx       *txcontext.Runner
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.books = store.NewPostgresBookStore(s.postgres.DB)
	s.acts = store.NewPostgresActStore(s.postgres.DB)
	s.tx = txcontext.NewRunner(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "acts", "books"))
}

func (s *PostgresStoreSuite) uploadedBook(number int) *models.Book {
	ctx := context.Background()
	book := &models.Book{Number: number, Year: 2024, Type: "notas"}
	s.Require().NoError(s.books.Create(ctx, book))
	ok, err := s.books.RecordUpload(ctx, book.ID,
		models.BlobRef{Bucket: "actnexus-livros", Key: "books/doc.pdf"},
		models.FileMeta{OriginalFilename: "livro.pdf", Size: 51200, ContentType: "application/pdf", PageCount: 3, Checksum: "abc", UploadedAt: time.Now()},
		[]models.Status{models.StatusNoDocument})
	s.Require().NoError(err)
	s.Require().True(ok)
	return book
}

func (s *PostgresStoreSuite) TestFindByIDRoundTrip() {
	ctx := context.Background()
	book := s.uploadedBook(42)

	got, err := s.books.FindByID(ctx, book.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusUploaded, got.Status)
	s.Equal("books/doc.pdf", got.Document.Key)
	s.Equal(3, got.File.PageCount)
	s.Nil(got.Metadata)
	s.True(got.RunToken.IsNil())

	_, err = s.books.FindByID(ctx, 9999)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestConcurrentStartRun verifies the conditional update lets exactly one
// caller into processing.
func (s *PostgresStoreSuite) TestConcurrentStartRun() {
	ctx := context.Background()
	book := s.uploadedBook(1)
	from := []models.Status{models.StatusUploaded, models.StatusCompleted, models.StatusFailed}
	const goroutines = 30

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.books.StartRun(ctx, book.ID, id.NewRunToken(), time.Now(), from)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
}

func (s *PostgresStoreSuite) TestFinishRunIgnoresSupersededToken() {
	ctx := context.Background()
	book := s.uploadedBook(2)
	oldToken, newToken := id.NewRunToken(), id.NewRunToken()

	ok, err := s.books.StartRun(ctx, book.ID, oldToken, time.Now(), []models.Status{models.StatusUploaded})
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = s.books.StartRun(ctx, book.ID, newToken, time.Now(), []models.Status{models.StatusProcessing})
	s.Require().NoError(err)
	s.Require().True(ok)

	applied, err := s.books.FinishRun(ctx, book.ID, oldToken, models.Failed("late"), time.Now())
	s.Require().NoError(err)
	s.False(applied)

	meta := models.ProcessingMetadata{ActsExtracted: 2, ActsReceived: 3, ExtractorVersion: "langflow_v1"}
	applied, err = s.books.FinishRun(ctx, book.ID, newToken, models.Completed(meta), time.Now())
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.books.FindByID(ctx, book.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.Require().NotNil(got.Metadata)
	s.Equal(2, got.Metadata.ActsExtracted)
	s.True(got.RunToken.IsNil())
}

func (s *PostgresStoreSuite) TestLockRunRequiresCurrentToken() {
	ctx := context.Background()
	book := s.uploadedBook(3)
	token := id.NewRunToken()
	_, err := s.books.StartRun(ctx, book.ID, token, time.Now(), []models.Status{models.StatusUploaded})
	s.Require().NoError(err)

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		return s.books.LockRun(txCtx, book.ID, token)
	})
	s.NoError(err)

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		return s.books.LockRun(txCtx, book.ID, id.NewRunToken())
	})
	s.ErrorIs(err, sentinel.ErrStale)

	s.Error(s.books.LockRun(ctx, book.ID, token), "lock outside a transaction is rejected")
}

func (s *PostgresStoreSuite) TestReclaimStale() {
	ctx := context.Background()
	stale := s.uploadedBook(4)
	fresh := s.uploadedBook(5)
	now := time.Now()
	_, err := s.books.StartRun(ctx, stale.ID, id.NewRunToken(), now.Add(-2*time.Hour), []models.Status{models.StatusUploaded})
	s.Require().NoError(err)
	_, err = s.books.StartRun(ctx, fresh.ID, id.NewRunToken(), now, []models.Status{models.StatusUploaded})
	s.Require().NoError(err)

	ids, err := s.books.ReclaimStale(ctx, now.Add(-time.Hour), "processing run abandoned", now)
	s.Require().NoError(err)
	s.Equal([]id.BookID{stale.ID}, ids)

	got, err := s.books.FindByID(ctx, stale.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal("processing run abandoned", got.ErrorMessage)
}

// TestActInsertSavepoint verifies a rejected act does not abort the
// surrounding transaction.
func (s *PostgresStoreSuite) TestActInsertSavepoint() {
	ctx := context.Background()
	book := s.uploadedBook(6)

	var failures int
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		for _, n := range []int{1, 1, 2} {
			act := &models.Act{
				BookID:        book.ID,
				Number:        n,
				Type:          "procuracao",
				Parties:       []models.Party{{Name: "Maria", Role: "outorgante"}},
				ExtractedData: json.RawMessage(`{"numero":1}`),
				Confidence:    0.9,
			}
			if err := s.acts.Insert(txCtx, act); err != nil {
				failures++
				continue
			}
		}
		return nil
	})
	s.Require().NoError(err)
	s.Equal(1, failures)

	acts, err := s.acts.ListByBook(ctx, book.ID)
	s.Require().NoError(err)
	s.Require().Len(acts, 2)
	s.Equal("Maria", acts[0].Parties[0].Name)
	s.Equal(models.ExtractionStatusProcessed, acts[0].ExtractionStatus)

	deleted, err := s.acts.DeleteByBook(ctx, book.ID)
	s.Require().NoError(err)
	s.Equal(2, deleted)

	_, err = s.acts.FindByID(ctx, acts[0].ID)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *PostgresStoreSuite) TestApplyDetails() {
	ctx := context.Background()
	book := s.uploadedBook(7)
	act := &models.Act{BookID: book.ID, Number: 1, Type: "escritura"}
	s.Require().NoError(s.acts.Insert(ctx, act))

	parties := []models.Party{{Name: "João Souza", Role: "comprador"}}
	s.Require().NoError(s.acts.ApplyDetails(ctx, act.ID, parties, 0.75))

	got, err := s.acts.FindByID(ctx, act.ID)
	s.Require().NoError(err)
	s.Equal(parties, got.Parties)
	s.InDelta(0.75, got.Confidence, 1e-9)

	err = s.acts.ApplyDetails(ctx, act.ID+1000, parties, 0.5)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
