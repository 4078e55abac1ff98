package jobs

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Repo is the Postgres Store.
type Repo struct {
	DB *gorm.DB
}

func (r *Repo) Insert(ctx context.Context, j *Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if err := r.DB.WithContext(ctx).Create(j).Error; err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateKey
		}
		return "", err
	}
	return j.ID, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, p Patch) error {
	q := r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id)
	guarded := false
	if p.IfStatus != "" {
		q = q.Where("status = ?", p.IfStatus)
		guarded = true
	}
	if p.IfLeaseOwner != "" {
		q = q.Where("lease_owner = ?", p.IfLeaseOwner)
		guarded = true
	}
	res := q.Updates(p.columns())
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicateKey
		}
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if guarded {
		return ErrLeaseLost
	}
	return nil
}

func (r *Repo) Query(ctx context.Context, f Filter) ([]Job, error) {
	q := r.DB.WithContext(ctx).Model(&Job{})
	if f.Queue != "" {
		q = q.Where("queue = ?", f.Queue)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status in ?", f.Statuses)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.SubjectID != "" {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.DedupeKey != "" {
		q = q.Where("dedupe_key = ?", f.DedupeKey)
	}
	if f.Untriaged {
		q = q.Where("triaged_at is null")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Job
	err := q.Order("priority desc, scheduled_at asc, created_at asc").Find(&out).Error
	return out, err
}

// Claim selects and leases in one statement. FOR UPDATE SKIP LOCKED keeps
// concurrent claimers off each other's rows.
func (r *Repo) Claim(ctx context.Context, p ClaimParams) ([]Job, error) {
	var claimed []Job
	expires := p.Now.Add(p.Lease)
	err := r.DB.WithContext(ctx).Raw(`
with cte as (
  select id
  from jobs
  where queue = ? and status = 'pending' and scheduled_at <= ?
  order by priority desc, scheduled_at asc
  for update skip locked
  limit ?
)
update jobs
set status = 'processing', lease_owner = ?, lease_expires_at = ?, updated_at = ?
where id in (select id from cte)
returning *;
`, p.Queue, p.Now, p.BatchSize, p.WorkerID, expires, p.Now).Scan(&claimed).Error
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order
	sortClaimOrder(claimed)
	return claimed, nil
}

func (r *Repo) ReclaimStale(ctx context.Context, queue string, now time.Time, penalty bool) (int64, error) {
	var total int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if penalty {
			res := tx.Exec(`
update jobs
set status = 'dead_letter', attempts = attempts + 1, lease_owner = null, lease_expires_at = null,
    last_error = ?, last_error_category = 'timeout', updated_at = ?
where queue = ? and status = 'processing' and lease_expires_at < ? and attempts + 1 >= max_attempts
`, leaseExpired, now, queue, now)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		charge, category := 0, any(nil)
		if penalty {
			charge, category = 1, string(CategoryTimeout)
		}
		res := tx.Exec(`
update jobs
set status = 'pending', attempts = attempts + ?, lease_owner = null, lease_expires_at = null,
    last_error = ?, last_error_category = ?, updated_at = ?
where queue = ? and status = 'processing' and lease_expires_at < ?
`, charge, leaseExpired, category, now, queue, now)
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

func (r *Repo) Counts(ctx context.Context, queue string, completedSince time.Time) (Counts, error) {
	var rows []struct {
		Status Status
		N      int64
	}
	err := r.DB.WithContext(ctx).Raw(`
select status, count(*) as n
from jobs
where queue = ? and (status <> 'completed' or completed_at >= ?)
group by status
`, queue, completedSince).Scan(&rows).Error
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, row := range rows {
		c.add(row.Status, row.N)
	}
	return c, nil
}

func (r *Repo) DeleteTerminalBefore(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Exec(`
delete from jobs
where queue = ? and status in ('completed', 'cancelled') and coalesce(completed_at, updated_at) < ?
`, queue, cutoff)
	return res.RowsAffected, res.Error
}

func (c *Counts) add(s Status, n int64) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusDeadLetter:
		c.DeadLetter += n
	case StatusCompleted:
		c.CompletedRecent += n
	case StatusCancelled:
		c.Cancelled += n
	}
}

func sortClaimOrder(js []Job) {
	sort.SliceStable(js, func(a, b int) bool {
		if js[a].Priority != js[b].Priority {
			return js[a].Priority > js[b].Priority
		}
		return js[a].ScheduledAt.Before(js[b].ScheduledAt)
	})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
