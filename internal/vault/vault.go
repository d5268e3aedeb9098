// Package vault defines the credential store boundary named at its
// interface only in spec §1 ("the on-disk credential vault" is an
// out-of-scope external collaborator). Store is the contract the
// Connection Manager calls when it builds a connection's adapter; the file-backed
// implementation here is a development stand-in, not the OS-native secret
// store spec.md §6 describes as the real persisted artifact.
package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Credential is an opaque bag of secret fields (password, CA cert
// passphrase, API key, ...) resolved by connectionId when the connection's
// adapter is built and never held on the Connection struct itself.
type Credential map[string]string

// Store resolves and persists Credentials by connection id.
type Store interface {
	Get(connectionID string) (Credential, bool, error)
	Put(connectionID string, cred Credential) error
	Delete(connectionID string) error
}

// FileStore is a dev-only Store backed by a single permission-0600 JSON
// file. Real deployments would swap this for an OS keyring-backed
// implementation behind the same Store interface; no example in the pack
// wires a keyring library into this shape, so the interface boundary is
// the deliverable here, not the storage medium (see DESIGN.md).
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (or creates) a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) load() (map[string]Credential, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]Credential{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]Credential{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) save(all map[string]Credential) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(f.path, data, 0o600)
}

// Get returns the credential stored for connectionID, if any.
func (f *FileStore) Get(connectionID string) (Credential, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return nil, false, err
	}
	cred, ok := all[connectionID]
	return cred, ok, nil
}

// Put stores (overwriting) the credential for connectionID.
func (f *FileStore) Put(connectionID string, cred Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	all[connectionID] = cred
	return f.save(all)
}

// Delete removes the credential for connectionID, if present.
func (f *FileStore) Delete(connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	delete(all, connectionID)
	return f.save(all)
}
