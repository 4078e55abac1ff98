package backfill

import (
	"context"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger interface {
	Requests(ctx context.Context) ([]Request, error)
	// Request records r, replacing an earlier request for the same subject.
	Request(ctx context.Context, r *Request) error
	Completed(ctx context.Context, provider, subjectID string) (map[string]bool, error)
	// MarkComplete is idempotent.
	MarkComplete(ctx context.Context, e LedgerEntry) error
}

type GormLedger struct {
	DB *gorm.DB
}

func (l *GormLedger) Requests(ctx context.Context) ([]Request, error) {
	var out []Request
	err := l.DB.WithContext(ctx).Order("requested_at asc").Find(&out).Error
	return out, err
}

func (l *GormLedger) Request(ctx context.Context, r *Request) error {
	return l.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "months", "requested_at"}),
	}).Create(r).Error
}

func (l *GormLedger) Completed(ctx context.Context, provider, subjectID string) (map[string]bool, error) {
	var months []string
	err := l.DB.WithContext(ctx).Model(&LedgerEntry{}).
		Where("provider = ? and subject_id = ?", provider, subjectID).
		Pluck("month", &months).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(months))
	for _, m := range months {
		out[m] = true
	}
	return out, nil
}

func (l *GormLedger) MarkComplete(ctx context.Context, e LedgerEntry) error {
	return l.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&e).Error
}

type MemLedger struct {
	mu       sync.Mutex
	nextID   uint64
	requests []Request
	done     map[string]LedgerEntry
}

func NewMemLedger() *MemLedger {
	return &MemLedger{done: map[string]LedgerEntry{}}
}

func (l *MemLedger) Requests(context.Context) ([]Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Request(nil), l.requests...), nil
}

func (l *MemLedger) Request(_ context.Context, r *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cur := range l.requests {
		if cur.Provider == r.Provider && cur.SubjectID == r.SubjectID {
			r.ID = cur.ID
			l.requests[i] = *r
			return nil
		}
	}
	l.nextID++
	r.ID = l.nextID
	l.requests = append(l.requests, *r)
	return nil
}

func (l *MemLedger) Completed(_ context.Context, provider, subjectID string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := map[string]bool{}
	for _, e := range l.done {
		if e.Provider == provider && e.SubjectID == subjectID {
			out[e.Month] = true
		}
	}
	return out, nil
}

func (l *MemLedger) MarkComplete(_ context.Context, e LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := e.Provider + "\x00" + e.SubjectID + "\x00" + e.Month
	if _, ok := l.done[k]; !ok {
		l.done[k] = e
	}
	return nil
}
