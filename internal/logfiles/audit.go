package logfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit actions recorded for tickets.
const (
	AuditCreate  = "CREATE"
	AuditRead    = "READ"
	AuditWarn    = "WARN"
	AuditResolve = "RESOLVE"
	AuditReopen  = "REOPEN"
)

const auditFile = "tickets-audit.log"

// AuditLog appends fixed-width columnar lines recording ticket actions to a
// single file, writing a header row on first use.
type AuditLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuditLog prepares the audit log under dir.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &AuditLog{path: filepath.Join(dir, auditFile), now: time.Now}, nil
}

// Append records one ticket action. Columns: ticket id, action, acting
// account id, timestamp.
func (a *AuditLog) Append(ticketID int64, action string, accountID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	newFile := false
	if _, err := os.Stat(a.path); os.IsNotExist(err) {
		newFile = true
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if newFile {
		header := fmt.Sprintf("%-10s %-10s %-10s %s\n", "TICKET", "ACTION", "ACCOUNT", "TIMESTAMP")
		if _, err := f.WriteString(header); err != nil {
			return err
		}
	}
	line := fmt.Sprintf("%-10d %-10s %-10d %s\n", ticketID, action, accountID, a.now().Format(time.RFC3339))
	_, err = f.WriteString(line)
	return err
}

// Read returns the whole audit log, or an empty file body if nothing has
// been recorded yet.
func (a *AuditLog) Read() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	return b, err
}
