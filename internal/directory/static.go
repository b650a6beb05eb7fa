package directory

import (
	"context"
	"sync"
	"time"
)

// StaticDirectory is an in-memory directory for tests and single-node
// deployments.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]*FarmAccount
	backends map[string]BackendRecord
}

// NewStaticDirectory creates an empty static directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		accounts: make(map[string]*FarmAccount),
		backends: make(map[string]BackendRecord),
	}
}

func accountKey(database, organization, username string) string {
	return BackendKey(organization, database) + "\x00" + username
}

// AddAccount registers an account for (database, organization, username).
func (d *StaticDirectory) AddAccount(database, organization string, account *FarmAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if account.BackendID == "" {
		account.BackendID = BackendKey(organization, database)
	}
	d.accounts[accountKey(database, organization, account.Username)] = account
}

// AddBackend registers a running backend for the sweeper.
func (d *StaticDirectory) AddBackend(rec BackendRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[rec.BackendID] = rec
}

// Touch updates a backend's last-activity timestamp.
func (d *StaticDirectory) Touch(backendID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.backends[backendID]; ok {
		rec.LastActivity = at
		d.backends[backendID] = rec
	}
}

// LookupAccount implements Directory.
func (d *StaticDirectory) LookupAccount(_ context.Context, database, organization, username string) (*FarmAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	account, ok := d.accounts[accountKey(database, organization, username)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

// ListRunningBackends implements BackendLister.
func (d *StaticDirectory) ListRunningBackends(_ context.Context) ([]BackendRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]BackendRecord, 0, len(d.backends))
	for _, rec := range d.backends {
		out = append(out, rec)
	}
	return out, nil
}
