package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hublink/hublink-go/pkg/provisioning"
)

// CacheVersion is the current version of the registration cache format.
const CacheVersion = 1

// ErrSealed is returned by Load when the file is sealed and the store has
// no sealing key.
var ErrSealed = errors.New("registration cache is sealed")

// Registration is a cached registration.
type Registration struct {
	// Version is the cache format version.
	Version int `json:"version"`

	// SavedAt is when the registration was saved.
	SavedAt time.Time `json:"saved_at"`

	// IDScope and RegistrationID identify the registration the result
	// belongs to.
	IDScope        string `json:"id_scope"`
	RegistrationID string `json:"registration_id"`

	// Result is the service's final answer.
	Result *provisioning.RegistrationResult `json:"result"`
}

// AssignedHub returns the assigned hub and device id, or ok=false if the
// registration did not end in an assignment.
func (r *Registration) AssignedHub() (hub, deviceID string, ok bool) {
	if r == nil || r.Result == nil || r.Result.Status != provisioning.StatusAssigned {
		return "", "", false
	}
	st := r.Result.RegistrationState
	if st == nil || st.AssignedHub == "" || st.DeviceID == "" {
		return "", "", false
	}
	return st.AssignedHub, st.DeviceID, true
}

// Matches reports whether r was saved for idScope and registrationID.
func (r *Registration) Matches(idScope, registrationID string) bool {
	return r != nil && r.IDScope == idScope && r.RegistrationID == registrationID
}

// RegistrationStore manages the registration cache file.
type RegistrationStore struct {
	mu   sync.Mutex
	path string
	seal *sealer
}

// NewRegistrationStore creates a store writing plain JSON.
func NewRegistrationStore(path string) *RegistrationStore {
	return &RegistrationStore{path: path}
}

// NewSealedRegistrationStore creates a store sealing the file under a key
// derived from the base64 shared access key.
func NewSealedRegistrationStore(path, sharedAccessKey string) (*RegistrationStore, error) {
	s, err := newSealer(sharedAccessKey)
	if err != nil {
		return nil, err
	}
	return &RegistrationStore{path: path, seal: s}, nil
}

// Path returns the cache file path.
func (s *RegistrationStore) Path() string {
	return s.path
}

// Save persists reg.
func (s *RegistrationStore) Save(reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	reg.Version = CacheVersion
	if reg.SavedAt.IsZero() {
		reg.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if s.seal != nil {
		if data, err = s.seal.seal(data); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0600)
}

// Load reads the cached registration.
// Returns nil, nil if the file doesn't exist.
func (s *RegistrationStore) Load() (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if isSealed(data) {
		if s.seal == nil {
			return nil, ErrSealed
		}
		if data, err = s.seal.open(data); err != nil {
			return nil, err
		}
	}

	reg := &Registration{}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Clear removes the cache file.
func (s *RegistrationStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
