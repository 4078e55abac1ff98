package lock

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type GormManager struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (m *GormManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Acquire inserts the row, or takes over an expired one, in one statement.
// The conflict update only fires when the current holder has expired, so a
// live holder leaves RowsAffected at 0.
func (m *GormManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := m.now()
	res := m.DB.WithContext(ctx).Exec(`
insert into locks (lock_key, owner, acquired_at, expires_at)
values (?, ?, ?, ?)
on conflict (lock_key) do update
set owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
where locks.expires_at <= excluded.acquired_at
`, key, owner, now, now.Add(ttl))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (m *GormManager) Release(ctx context.Context, key, owner string) (bool, error) {
	res := m.DB.WithContext(ctx).
		Where("lock_key = ? and owner = ?", key, owner).
		Delete(&Lock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (m *GormManager) SweepExpired(ctx context.Context) (int64, error) {
	res := m.DB.WithContext(ctx).
		Where("expires_at <= ?", m.now()).
		Delete(&Lock{})
	return res.RowsAffected, res.Error
}
