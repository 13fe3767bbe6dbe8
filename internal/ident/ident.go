// Package ident manages the identity of this CourierLink client installation
// and generates the IDs used throughout the SDK. Every installation has a
// persistent ULID that is created on first start and stored in the data
// directory; it is sent with every backend request so support can correlate
// a device's mutations and realtime sessions without coordination.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/davidpark/courierlink/internal/types"
)

const deviceIDFile = "device_id"

// ID is a ULID string that uniquely identifies a CourierLink installation.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Device holds the persistent identity of this client installation.
type Device struct {
	id      ID
	dataDir string
}

// New returns a Device whose ID is loaded from dataDir/device_id.
// If the file does not exist a new ULID is generated and written.
// If override is "auto" or empty the file-based ID is used.
func New(dataDir string, override string) (*Device, error) {
	if dataDir == "" {
		return nil, errors.New("ident: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ident: create data dir: %w", err)
	}

	// Explicit override takes precedence (useful in tests / container envs).
	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("ident: invalid id override %q: %w", override, err)
		}
		return &Device{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Device{id: id, dataDir: dataDir}, nil
}

// ID returns the device's stable ULID string.
func (d *Device) ID() ID { return d.id }

// DataDir returns the root data directory for this installation.
func (d *Device) DataDir() string { return d.dataDir }

// loadOrGenerate reads the device ID from disk, creating a new one if absent.
func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("ident: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ident: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("ident: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist id: %w", err)
	}

	return id, nil
}

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls. Using a single shared source ensures that ULIDs remain
// lexicographically ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// generateULID creates a new time-ordered ULID using the shared monotone
// entropy source. The mutex ensures monotonicity across concurrent calls.
func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID. Exposed for use by other packages that need
// unique identifiers (sessions, idempotency fallbacks).
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}

// MutationID builds a mutation identifier in the "{type}_{timestamp}_{suffix}"
// format: the enqueue timestamp gives FIFO-sortable ordering within a type,
// and the random suffix (the entropy half of a ULID) guarantees uniqueness
// when several mutations are enqueued in the same millisecond.
func MutationID(typ types.MutationType, at time.Time) string {
	suffix := MustNewID()[10:] // ULID layout: 10 chars timestamp, 16 chars entropy
	return fmt.Sprintf("%s_%d_%s", typ, at.UnixMilli(), suffix)
}
