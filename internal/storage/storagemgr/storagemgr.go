// Package storagemgr is the Storage Manager (C4): lifecycle of the
// per-user secure directory the Secret DB's backing file lives in.
// Manager mirrors gsignond-storage-manager.c's small vtable
// (initialize_storage, mount/unmount_filesystem, filesystem_is_mounted,
// delete_storage) as a Go interface with two implementations, the way
// the teacher's OCM repo swaps credential/signing backends behind a
// shared interface (bindings/go/credentials).
package storagemgr

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// Manager is the Storage Manager contract. Both implementations compute
// the same default location (<storageRoot>/gsignond.<user>) and differ
// only in whether mount/unmount perform real encryption.
type Manager interface {
	InitializeStorage() error
	DeleteStorage() error
	StorageIsInitialized() bool
	MountFilesystem() (string, error)
	UnmountFilesystem() error
	FilesystemIsMounted() bool
	Location() string
}

// DefaultLocation returns <storageRoot>/gsignond.<username>, the layout
// _set_config in gsignond-storage-manager.c computes from
// General/StoragePath and the current OS user.
func DefaultLocation(storageRoot string) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("storagemgr: current user: %w", err)
	}
	return filepath.Join(storageRoot, fmt.Sprintf("gsignond.%s", u.Username)), nil
}

// Plain is the default, non-encrypting implementation: it materialises
// the directory and treats mount/unmount as no-ops, matching
// _initialize_storage/_mount_filesystem/_unmount_filesystem in
// gsignond-storage-manager.c.
type Plain struct {
	location string
}

func NewPlain(location string) *Plain {
	return &Plain{location: location}
}

func (p *Plain) Location() string { return p.location }

func (p *Plain) InitializeStorage() error {
	if _, err := os.Stat(p.location); err == nil {
		return nil
	}
	if err := os.MkdirAll(p.location, 0o770); err != nil {
		return fmt.Errorf("storagemgr: mkdir %s: %w", p.location, err)
	}
	return nil
}

func (p *Plain) StorageIsInitialized() bool {
	_, err := os.Stat(p.location)
	return err == nil
}

func (p *Plain) MountFilesystem() (string, error) {
	return p.location, nil
}

func (p *Plain) UnmountFilesystem() error {
	return nil
}

func (p *Plain) FilesystemIsMounted() bool {
	return p.StorageIsInitialized()
}

func (p *Plain) DeleteStorage() error {
	return WipeDirectory(p.location)
}
