package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectoryLookup(t *testing.T) {
	d := NewStaticDirectory()
	d.AddAccount("sales", "library", &FarmAccount{
		Username:         "alice",
		Type:             AccountUser,
		StoredCredential: "s3cret",
		BackendState:     StateRun,
		BackendHost:      "10.0.0.5",
		BackendPort:      5432,
	})

	account, err := d.LookupAccount(context.Background(), "sales", "library", "alice")
	require.NoError(t, err)
	assert.Equal(t, AccountUser, account.Type)
	assert.Equal(t, "library/sales", account.BackendID)
	assert.True(t, account.ConnectAllowed())
	assert.True(t, account.StateAllowed())

	_, err = d.LookupAccount(context.Background(), "sales", "library", "mallory")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	// Same username in a different organization is a different account.
	_, err = d.LookupAccount(context.Background(), "sales", "acme", "alice")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountPolicyChecks(t *testing.T) {
	tests := []struct {
		name        string
		account     FarmAccount
		wantConnect bool
		wantStateOK bool
	}{
		{
			name:        "admin running",
			account:     FarmAccount{Type: AccountAdmin, BackendState: StateRun},
			wantConnect: true, wantStateOK: true,
		},
		{
			name:        "public sleeping",
			account:     FarmAccount{Type: AccountPublic, BackendState: StateSleep},
			wantConnect: true, wantStateOK: true,
		},
		{
			name:        "service account rejected",
			account:     FarmAccount{Type: AccountServiceAccount, BackendState: StateRun},
			wantConnect: false, wantStateOK: true,
		},
		{
			name:        "pgrest rejected",
			account:     FarmAccount{Type: AccountPgrest, BackendState: StateRun},
			wantConnect: false, wantStateOK: true,
		},
		{
			name:        "stopped backend rejected",
			account:     FarmAccount{Type: AccountUser, BackendState: StateStop},
			wantConnect: true, wantStateOK: false,
		},
		{
			name:        "starting backend rejected",
			account:     FarmAccount{Type: AccountUser, BackendState: StateStarting},
			wantConnect: true, wantStateOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantConnect, tt.account.ConnectAllowed())
			assert.Equal(t, tt.wantStateOK, tt.account.StateAllowed())
		})
	}
}

func TestControlPlaneDirectoryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		if q.Get("username") != "alice" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(FarmAccount{
			Username:         "alice",
			Type:             AccountUser,
			StoredCredential: "stored",
			BackendState:     StateSleep,
			BackendHost:      "10.0.0.9",
			BackendPort:      5432,
			BackendID:        "library/sales",
		})
	}))
	defer srv.Close()

	d := NewControlPlaneDirectory(ControlPlaneConfig{
		URL:        srv.URL,
		APIKey:     "test-key",
		Timeout:    time.Second,
		RetryCount: 1,
		RetryDelay: 10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	account, err := d.LookupAccount(context.Background(), "sales", "library", "alice")
	require.NoError(t, err)
	assert.Equal(t, StateSleep, account.BackendState)
	assert.Equal(t, "library/sales", account.BackendID)

	_, err = d.LookupAccount(context.Background(), "sales", "library", "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBackendKey(t *testing.T) {
	assert.Equal(t, "library/sales", BackendKey("library", "sales"))
	assert.Equal(t, "sales", BackendKey("", "sales"))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
