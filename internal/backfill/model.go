// Package backfill expands "import N months of history" requests into one
// job per month and records finished months in a durable ledger.
package backfill

import (
	"encoding/json"
	"time"
)

const JobTypeMonth = "backfill.month"

const monthLayout = "2006-01"

// Request is the logical unit: backfill Months months ending with the month
// of RequestedAt. One request per (provider, subject).
type Request struct {
	ID          uint64    `gorm:"primaryKey"`
	TenantID    string    `gorm:"index;not null"`
	SubjectID   string    `gorm:"not null;uniqueIndex:uq_backfill_requests_subject,priority:2"`
	Provider    string    `gorm:"not null;uniqueIndex:uq_backfill_requests_subject,priority:1"`
	Months      int       `gorm:"not null"`
	RequestedAt time.Time `gorm:"not null"`
}

// LedgerEntry marks one month of one subject as done. Rows are never
// updated; a month present here is never enqueued again.
type LedgerEntry struct {
	Provider    string    `gorm:"primaryKey"`
	SubjectID   string    `gorm:"primaryKey"`
	Month       string    `gorm:"primaryKey;size:7"`
	Records     int       `gorm:"not null;default:0"`
	CompletedAt time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "backfill_ledger" }

// Months lists the n months ending with anchor's month, newest first.
func Months(anchor time.Time, n int) []string {
	first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, first.AddDate(0, -i, 0).Format(monthLayout))
	}
	return out
}

// MonthRange is the half-open UTC interval [from, to) of month.
func MonthRange(month string) (from, to time.Time, err error) {
	from, err = time.Parse(monthLayout, month)
	if err != nil {
		return from, to, err
	}
	return from, from.AddDate(0, 1, 0), nil
}

// Payload is carried by month jobs.
type Payload struct {
	Provider string `json:"provider"`
	Month    string `json:"month"`
}

func (p Payload) Marshal() []byte {
	b, _ := json.Marshal(p)
	return b
}

func DedupeKey(provider, subjectID, month string) string {
	return "backfill:" + provider + ":" + subjectID + ":" + month
}

// Unit is one month of one subject, as handed to a Fetcher.
type Unit struct {
	TenantID  string
	SubjectID string
	Provider  string
	Month     string
	From      time.Time
	To        time.Time
}
