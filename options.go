package helix

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default key-server endpoint used when none is configured.
const (
	DefaultServer = "service.blakfx.us"
	DefaultPort   = 5567
)

// DefaultLookupTimeout bounds recipient lookups started without an
// explicit timeout.
const DefaultLookupTimeout = 30 * time.Second

// Options configures a Client. Use NewOptions for sane defaults.
type Options struct {
	// Server is the key-server host name or address.
	Server string
	// Port is the key-server TCP port.
	Port uint16
	// DataDir is where encrypted account key material is stored.
	// Empty selects a "helix" directory under the user config dir.
	DataDir string
	// StoragePassphrase protects account key material at rest.
	StoragePassphrase string
	// SimulatedDevice selects a simulated device identity instead of
	// the real one. Useful for running several clients on one machine.
	SimulatedDevice bool
	// SimulatedUID pins the simulated device identity to a fixed UID.
	// Empty picks a random one. Implies SimulatedDevice.
	SimulatedUID string
	// LookupTimeout bounds recipient lookups. Zero selects
	// DefaultLookupTimeout; negative waits forever.
	LookupTimeout time.Duration
}

// NewOptions returns options pointing at the default key server.
func NewOptions() *Options {
	return &Options{
		Server:        DefaultServer,
		Port:          DefaultPort,
		LookupTimeout: DefaultLookupTimeout,
	}
}

func (o *Options) validate() error {
	if o.Server == "" {
		return errors.New("server must not be empty")
	}
	if o.StoragePassphrase == "" {
		return errors.New("storage passphrase must not be empty")
	}
	return nil
}

// dataDir resolves the configured data directory, creating it if needed.
func (o *Options) dataDir() (string, error) {
	dir := o.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "helix")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	return dir, nil
}

func (o *Options) lookupTimeout() time.Duration {
	if o.LookupTimeout == 0 {
		return DefaultLookupTimeout
	}
	return o.LookupTimeout
}
