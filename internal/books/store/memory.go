package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"actnexus/internal/books/models"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
)

// InMemoryBookStore keeps books in a map. Transitions are applied under a
// single lock so they observe the same guards as the SQL store.
type InMemoryBookStore struct {
	mu     sync.Mutex
	nextID id.BookID
	books  map[id.BookID]*models.Book
}

func NewInMemoryBookStore() *InMemoryBookStore {
	return &InMemoryBookStore{books: make(map[id.BookID]*models.Book)}
}

func (s *InMemoryBookStore) Create(_ context.Context, book *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if book.ID == 0 {
		s.nextID++
		book.ID = s.nextID
	} else if book.ID > s.nextID {
		s.nextID = book.ID
	}
	if book.Status == "" {
		book.Status = models.StatusNoDocument
	}
	now := time.Now()
	book.CreatedAt, book.UpdatedAt = now, now
	cp := *book
	s.books[book.ID] = &cp
	return nil
}

func (s *InMemoryBookStore) FindByID(_ context.Context, bookID id.BookID) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneBook(b), nil
}

func (s *InMemoryBookStore) RecordUpload(_ context.Context, bookID id.BookID, ref models.BlobRef, meta models.FileMeta, from []models.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = models.StatusUploaded
	b.Document = ref
	b.File = meta
	b.ErrorMessage = ""
	b.UpdatedAt = meta.UploadedAt
	return true, nil
}

func (s *InMemoryBookStore) StartRun(_ context.Context, bookID id.BookID, token id.RunToken, startedAt time.Time, from []models.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || !b.HasDocument() || !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = models.StatusProcessing
	b.RunToken = token
	started := startedAt
	b.ProcessingStartedAt = &started
	b.ErrorMessage = ""
	b.UpdatedAt = startedAt
	return true, nil
}

func (s *InMemoryBookStore) LockRun(_ context.Context, bookID id.BookID, token id.RunToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || b.Status != models.StatusProcessing || b.RunToken != token {
		return sentinel.ErrStale
	}
	return nil
}

func (s *InMemoryBookStore) FinishRun(_ context.Context, bookID id.BookID, token id.RunToken, outcome models.Outcome, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || b.Status != models.StatusProcessing || b.RunToken != token {
		return false, nil
	}
	b.Status = outcome.Status()
	if outcome.Metadata != nil {
		meta := *outcome.Metadata
		b.Metadata = &meta
	}
	b.ErrorMessage = ""
	if outcome.Kind == models.OutcomeFailed {
		b.ErrorMessage = outcome.ErrorMessage
	}
	b.RunToken = id.RunToken{}
	b.UpdatedAt = now
	return true, nil
}

func (s *InMemoryBookStore) ReclaimStale(_ context.Context, cutoff time.Time, message string, now time.Time) ([]id.BookID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []id.BookID
	for _, b := range s.books {
		if b.Status != models.StatusProcessing || b.ProcessingStartedAt == nil || !b.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		b.Status = models.StatusFailed
		b.ErrorMessage = message
		b.RunToken = id.RunToken{}
		b.UpdatedAt = now
		ids = append(ids, b.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

func cloneBook(b *models.Book) *models.Book {
	cp := *b
	if b.Metadata != nil {
		meta := *b.Metadata
		cp.Metadata = &meta
	}
	if b.ProcessingStartedAt != nil {
		t := *b.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	return &cp
}

// InMemoryActStore keeps acts in a map keyed by id.
type InMemoryActStore struct {
	mu     sync.Mutex
	nextID id.ActID
	acts   map[id.ActID]*models.Act
}

func NewInMemoryActStore() *InMemoryActStore {
	return &InMemoryActStore{acts: make(map[id.ActID]*models.Act)}
}

func (s *InMemoryActStore) DeleteByBook(_ context.Context, bookID id.BookID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for actID, a := range s.acts {
		if a.BookID == bookID {
			delete(s.acts, actID)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryActStore) Insert(_ context.Context, act *models.Act) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.acts {
		if a.BookID == act.BookID && a.Number == act.Number {
			return sentinel.ErrConflict
		}
	}
	s.nextID++
	act.ID = s.nextID
	act.CreatedAt = time.Now()
	if act.ExtractionStatus == "" {
		act.ExtractionStatus = models.ExtractionStatusProcessed
	}
	cp := *act
	s.acts[act.ID] = &cp
	return nil
}

func (s *InMemoryActStore) ListByBook(_ context.Context, bookID id.BookID) ([]*models.Act, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Act
	for _, a := range s.acts {
		if a.BookID == bookID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *InMemoryActStore) FindByID(_ context.Context, actID id.ActID) (*models.Act, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.acts[actID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemoryActStore) ApplyDetails(_ context.Context, actID id.ActID, parties []models.Party, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.acts[actID]
	if !ok {
		return sentinel.ErrNotFound
	}
	a.Parties = append([]models.Party(nil), parties...)
	a.Confidence = confidence
	return nil
}
