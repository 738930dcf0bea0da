package models

// QuotaDayFormat is the calendar-day key layout for quota records.
const QuotaDayFormat = "2006-01-02"

// QuotaRecord is the per-calendar-day count of upstream calls consumed.
// Exactly one record matches today; prior records are read-only history.
type QuotaRecord struct {
	Day     string `db:"day" json:"day"`
	Used    int    `db:"used" json:"used"`
	Ceiling int    `db:"ceiling" json:"ceiling"`
}

// TableName returns the table name for QuotaRecord.
func (QuotaRecord) TableName() string {
	return "quota_days"
}

// Remaining returns how many calls may still be admitted today.
func (q *QuotaRecord) Remaining() int {
	if q.Used >= q.Ceiling {
		return 0
	}
	return q.Ceiling - q.Used
}
