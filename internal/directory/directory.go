// Package directory resolves farm accounts: the credential/role bindings
// between a username and the backend serving a hosted database. Accounts are
// looked up fresh for every connection so the gateway always sees the live
// backend lifecycle state.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AccountType classifies a farm account.
type AccountType string

const (
	AccountAdmin          AccountType = "ADMIN"
	AccountUser           AccountType = "USER"
	AccountPublic         AccountType = "PUBLIC"
	AccountPgrest         AccountType = "PGREST"
	AccountServiceAccount AccountType = "SERVICE_ACCOUNT"
)

// BackendState is the lifecycle state of a backend process.
type BackendState string

const (
	StateRun      BackendState = "RUN"
	StateSleep    BackendState = "SLEEP"
	StateStarting BackendState = "STARTING"
	StateStop     BackendState = "STOP"
	StateError    BackendState = "ERROR"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")

	// ErrDirectoryUnavailable is returned when the directory backend cannot
	// be reached.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// FarmAccount binds a username to a backend and carries the centrally
// managed credential substituted during the backend handshake.
type FarmAccount struct {
	Username         string       `json:"username"`
	Type             AccountType  `json:"type"`
	StoredCredential string       `json:"stored_credential"`
	BackendState     BackendState `json:"backend_state"`
	BackendHost      string       `json:"backend_host"`
	BackendPort      int          `json:"backend_port"`

	// BackendID identifies the backend for wake and accounting purposes,
	// conventionally "organization/database".
	BackendID string `json:"backend_id"`
}

// ConnectAllowed reports whether this account type may open proxied
// connections. PGREST and SERVICE_ACCOUNT are reserved for internal
// collaborators and never connect through the gateway.
func (a *FarmAccount) ConnectAllowed() bool {
	switch a.Type {
	case AccountAdmin, AccountUser, AccountPublic:
		return true
	default:
		return false
	}
}

// StateAllowed reports whether the backend lifecycle state permits a new
// connection attempt. RUN connects directly; SLEEP goes through the wake
// coordinator.
func (a *FarmAccount) StateAllowed() bool {
	return a.BackendState == StateRun || a.BackendState == StateSleep
}

// Directory is the account lookup collaborator.
type Directory interface {
	// LookupAccount fetches the account for (database, organization,
	// username). organization may be empty for bare database names.
	LookupAccount(ctx context.Context, database, organization, username string) (*FarmAccount, error)
}

// BackendRecord is a running backend as seen by the tier sweeper.
type BackendRecord struct {
	BackendID         string    `json:"backend_id"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	AvailabilityClass string    `json:"availability_class"`
	Tier              string    `json:"tier"`
	LastActivity      time.Time `json:"last_activity"`
}

// BackendLister enumerates running backends for the idle sweep.
type BackendLister interface {
	ListRunningBackends(ctx context.Context) ([]BackendRecord, error)
}

// BackendKey joins organization and database into the canonical backend id.
func BackendKey(organization, database string) string {
	if organization == "" {
		return database
	}
	return fmt.Sprintf("%s/%s", organization, database)
}
