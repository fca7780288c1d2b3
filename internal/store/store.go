// Package store talks to the external persistence sidecar over its
// null-terminated request/reply socket protocol.
package store

import "sync"

// Store is the slice of the sidecar's capabilities the broker needs.
// Credentials back authentication, the record operations feed the sidecar's
// login-history and upload audit tables.
type Store interface {
	// FetchCredential returns the stored passcode for a username. found is
	// false when the sidecar has no record of the user; err reports the
	// sidecar being unreachable or replying with an error, which callers
	// must treat as a soft failure, never as "unknown user".
	FetchCredential(username string) (passcode string, found bool, err error)
	SaveCredential(username, passcode string) error
	RecordLogin(username string) error
	RecordLogout(username string) error
	RecordUpload(username, filename string) error
}

// MemoryStore is an in-process Store for tests and store-less development.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[string]string
	logins      []string
	logouts     []string
	uploads     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]string),
	}
}

func (ms *MemoryStore) FetchCredential(username string) (string, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	passcode, found := ms.credentials[username]
	return passcode, found, nil
}

func (ms *MemoryStore) SaveCredential(username, passcode string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.credentials[username] = passcode
	return nil
}

func (ms *MemoryStore) RecordLogin(username string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.logins = append(ms.logins, username)
	return nil
}

func (ms *MemoryStore) RecordLogout(username string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.logouts = append(ms.logouts, username)
	return nil
}

func (ms *MemoryStore) RecordUpload(username, filename string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.uploads = append(ms.uploads, username+":"+filename)
	return nil
}

// Logins returns a copy of the recorded login usernames. The record slices
// are only reachable through these snapshot accessors so concurrent readers
// (upload records are written from a goroutine) never race the writers.
func (ms *MemoryStore) Logins() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.logins...)
}

// Logouts returns a copy of the recorded logout usernames.
func (ms *MemoryStore) Logouts() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.logouts...)
}

// Uploads returns a copy of the recorded "username:filename" entries.
func (ms *MemoryStore) Uploads() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.uploads...)
}
