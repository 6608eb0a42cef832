package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	dErrors "actnexus/pkg/domain-errors"
)

// BookID identifies a notarial book. Books use database sequence ids.
type BookID int64

// ActID identifies an act extracted from a book.
type ActID int64

// UsageEntryID identifies one AI usage ledger entry.
type UsageEntryID uuid.UUID

// RunToken identifies one processing run of a book. A newer token supersedes
// any older one for the same book.
type RunToken uuid.UUID

// JobID identifies a queued background job.
type JobID uuid.UUID

func (id BookID) String() string       { return strconv.FormatInt(int64(id), 10) }
func (id ActID) String() string        { return strconv.FormatInt(int64(id), 10) }
func (id UsageEntryID) String() string { return uuid.UUID(id).String() }
func (t RunToken) String() string      { return uuid.UUID(t).String() }
func (id JobID) String() string        { return uuid.UUID(id).String() }

func (id UsageEntryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (t RunToken) IsNil() bool      { return uuid.UUID(t) == uuid.Nil }
func (id JobID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }

func (id UsageEntryID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (t RunToken) MarshalText() ([]byte, error)      { return uuid.UUID(t).MarshalText() }
func (id JobID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }

func (id *UsageEntryID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (t *RunToken) UnmarshalText(b []byte) error      { return (*uuid.UUID)(t).UnmarshalText(b) }
func (id *JobID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }

func NewUsageEntryID() UsageEntryID { return UsageEntryID(uuid.New()) }
func NewRunToken() RunToken         { return RunToken(uuid.New()) }
func NewJobID() JobID               { return JobID(uuid.New()) }

// maxSequenceDigits bounds int64 ids parsed from path segments.
const maxSequenceDigits = 18

func parseSequence(kind, s string) (int64, error) {
	if s == "" || len(s) > maxSequenceDigits {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	return v, nil
}

func parseUUID(kind, s string) (uuid.UUID, error) {
	// uuid.Parse also accepts urn and braced forms; ids travel as the canonical 36-char form only.
	if len(s) != 36 || strings.TrimSpace(s) != s {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil || u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	return u, nil
}

func ParseBookID(s string) (BookID, error) {
	v, err := parseSequence("book id", s)
	return BookID(v), err
}

func ParseActID(s string) (ActID, error) {
	v, err := parseSequence("act id", s)
	return ActID(v), err
}

func ParseUsageEntryID(s string) (UsageEntryID, error) {
	u, err := parseUUID("usage entry id", s)
	return UsageEntryID(u), err
}

func ParseRunToken(s string) (RunToken, error) {
	u, err := parseUUID("run token", s)
	return RunToken(u), err
}

func ParseJobID(s string) (JobID, error) {
	u, err := parseUUID("job id", s)
	return JobID(u), err
}
