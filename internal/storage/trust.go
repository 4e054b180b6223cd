package storage

// trust.go implements the file-backed trust store of paired devices.
//
// The store is a single versioned JSON document:
//
//	{"version": 1, "devices": [{"deviceId": ..., "authTokenHash": ...}]}
//
// It is rewritten atomically (temp file + rename) after every mutation. The
// file is created 0600 inside a 0700 directory. Load never fails: a missing
// file is an empty store, and an unreadable or corrupt file is logged and
// treated as empty so the bridge keeps running.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/redditagent/bridge/internal/errors"
)

// TrustFileVersion is the schema version written by this package.
const TrustFileVersion = 1

const (
	trustFileMode = 0o600
	trustDirMode  = 0o700
)

// Device is a paired device record.
// The plaintext token is never stored; only its bcrypt hash.
type Device struct {
	ID         string    `json:"deviceId"`
	Name       string    `json:"deviceName"`
	TokenHash  string    `json:"authTokenHash"`
	ApprovedAt time.Time `json:"approvedAt"`
	LastSeen   time.Time `json:"lastSeenAt"`
}

// trustFile is the on-disk document.
type trustFile struct {
	Version int            `json:"version"`
	Devices []deviceRecord `json:"devices"`
}

// deviceRecord is a Device as read from disk, which may still carry the
// legacy plaintext token field.
type deviceRecord struct {
	Device
	AuthToken string `json:"authToken,omitempty"`
}

// TrustStoreOptions configures a TrustStore.
type TrustStoreOptions struct {
	// Logger receives load and persist failures. Nil discards them.
	Logger *zap.SugaredLogger

	// HashCost is the bcrypt cost used when migrating legacy tokens.
	// Zero uses DefaultHashCost.
	HashCost int
}

// TrustStore is the durable deviceId -> Device mapping.
//
// Thread safety: all methods are safe for concurrent use.
type TrustStore struct {
	path     string
	log      *zap.SugaredLogger
	hashCost int

	mu      sync.RWMutex
	devices map[string]*Device
}

// OpenTrustStore loads the store at path, running the legacy-token migration
// once if needed. It never returns an unusable store.
func OpenTrustStore(path string, opts TrustStoreOptions) *TrustStore {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &TrustStore{
		path:     path,
		log:      log,
		hashCost: opts.HashCost,
		devices:  make(map[string]*Device),
	}
	s.load()
	return s
}

// Path returns the backing file path.
func (s *TrustStore) Path() string {
	return s.path
}

func (s *TrustStore) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debugf("no pairing store at %s, starting empty", s.path)
		return
	}
	if err != nil {
		s.log.Errorw("failed to read pairing store, starting empty", "path", s.path, "error", err)
		return
	}

	var doc trustFile
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Errorw("failed to parse pairing store, starting empty", "path", s.path, "error", err)
		return
	}
	if doc.Version > TrustFileVersion {
		s.log.Warnw("pairing store written by a newer version", "path", s.path, "version", doc.Version)
	}

	migrated := s.migrate(doc.Devices)

	for i := range doc.Devices {
		d := doc.Devices[i].Device
		if d.ID == "" || d.TokenHash == "" {
			s.log.Warnw("skipping invalid pairing store entry", "deviceId", d.ID)
			continue
		}
		s.devices[d.ID] = &d
	}
	s.log.Infof("loaded %d paired device(s) from %s", len(s.devices), s.path)

	if migrated > 0 {
		s.log.Infof("migrated %d legacy plaintext token(s) to hashes", migrated)
		if err := s.persistLocked(); err != nil {
			s.log.Errorw("failed to persist migrated pairing store", "error", err)
		}
	}
}

// migrate hashes any legacy plaintext tokens in place and returns how many
// records were upgraded. It runs once, at load.
func (s *TrustStore) migrate(records []deviceRecord) int {
	var n int
	for i := range records {
		r := &records[i]
		if r.AuthToken == "" {
			continue
		}
		if r.TokenHash == "" {
			hash, err := HashToken(r.AuthToken, s.hashCost)
			if err != nil {
				s.log.Errorw("failed to hash legacy token", "deviceId", r.ID, "error", err)
				continue
			}
			r.TokenHash = hash
		}
		r.AuthToken = ""
		n++
	}
	return n
}

// Get returns a copy of the device record, or nil if unknown.
func (s *TrustStore) Get(id string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// List returns copies of all records ordered by approval time.
func (s *TrustStore) List() []*Device {
	s.mu.RLock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ApprovedAt.Equal(out[j].ApprovedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ApprovedAt.Before(out[j].ApprovedAt)
	})
	return out
}

// Len returns the number of paired devices.
func (s *TrustStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Verify returns the record for id if token matches its stored hash.
func (s *TrustStore) Verify(id, token string) (*Device, bool) {
	d := s.Get(id)
	if d == nil || !TokenMatches(d.TokenHash, token) {
		return nil, false
	}
	return d, true
}

// Put inserts or replaces a record and persists the store.
// The in-memory record is kept even if persisting fails.
func (s *TrustStore) Put(d *Device) error {
	if d == nil || d.ID == "" {
		return errors.New("device must have an id")
	}
	cp := *d

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[cp.ID] = &cp
	return s.persistOrLog()
}

// Touch records a successful re-authentication: it refreshes LastSeen and,
// if name is non-empty, the device name.
func (s *TrustStore) Touch(id, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return apperrors.DeviceNotFound(id)
	}
	d.LastSeen = now
	if name != "" {
		d.Name = name
	}
	return s.persistOrLog()
}

// Delete removes a record and persists the store.
// Returns a device.not_found error if id is unknown.
func (s *TrustStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return apperrors.DeviceNotFound(id)
	}
	delete(s.devices, id)
	return s.persistOrLog()
}

// persistOrLog persists and logs any failure. Must be called with s.mu held.
func (s *TrustStore) persistOrLog() error {
	if err := s.persistLocked(); err != nil {
		s.log.Errorw("failed to persist pairing store", "path", s.path, "error", err)
		return err
	}
	return nil
}

// persistLocked atomically rewrites the store file. Must be called with s.mu
// held (or before the store is shared).
func (s *TrustStore) persistLocked() error {
	doc := trustFile{Version: TrustFileVersion, Devices: make([]deviceRecord, 0, len(s.devices))}
	for _, d := range s.devices {
		doc.Devices = append(doc.Devices, deviceRecord{Device: *d})
	}
	sort.Slice(doc.Devices, func(i, j int) bool { return doc.Devices[i].ID < doc.Devices[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "encode pairing store", err)
	}

	if err := WriteFileAtomic(s.path, data); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "write pairing store", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in path's directory and renames
// it over path, so readers never observe a truncated file. The file is 0600
// and its directory 0700.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, trustDirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.Chmod(dir, trustDirMode); err != nil {
		return fmt.Errorf("chmod directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(trustFileMode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
