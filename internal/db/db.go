package db

import (
	"fmt"

	"smartseller/internal/backfill"
	"smartseller/internal/credentials"
	"smartseller/internal/ingest"
	"smartseller/internal/jobs"
	"smartseller/internal/lock"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&jobs.Job{},
		&lock.Lock{},
		&credentials.Credential{},
		&backfill.Request{},
		&backfill.LedgerEntry{},
		&ingest.DomainEvent{},
	); err != nil {
		return err
	}

	// Dedupe: one live job per (queue, key); forever keys also block
	// terminal rows so a redelivered webhook never runs twice.
	if err := gdb.Exec(`
create unique index if not exists uq_jobs_dedupe
on jobs(queue, dedupe_key)
where dedupe_key is not null
  and (dedupe_forever or status in ('pending', 'processing'));
`).Error; err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_jobs_claim on jobs(queue, status, priority desc, scheduled_at);`,
		`create index if not exists idx_jobs_lease on jobs(status, lease_expires_at);`,
		`create index if not exists idx_jobs_terminal on jobs(queue, status, completed_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
