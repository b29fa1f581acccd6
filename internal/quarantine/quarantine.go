// Package quarantine revokes and restores access to a watched directory.
package quarantine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// Modes used by the controller.
const (
	ProtectedMode      fs.FileMode = 0
	DefaultRestoreMode fs.FileMode = 0o700

	// ModeMask covers the permission bits plus setuid, setgid and sticky.
	ModeMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky
)

// Operations reported in PermissionChangeError.
const (
	OpProtect = "protect"
	OpRestore = "restore"
	OpStat    = "stat"
)

// PermissionChangeError reports a failed permission transition.
type PermissionChangeError struct {
	Path string
	Op   string
	Err  error
}

func (e *PermissionChangeError) Error() string {
	return fmt.Sprintf("quarantine: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PermissionChangeError) Unwrap() error {
	return e.Err
}

// Backend reads and changes permission bits.
type Backend interface {
	Mode(path string) (fs.FileMode, error)
	Chmod(path string, mode fs.FileMode) error
}

// OSBackend uses the os package.
type OSBackend struct{}

func (OSBackend) Mode(path string) (fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Mode() & ModeMask, nil
}

func (OSBackend) Chmod(path string, mode fs.FileMode) error {
	return os.Chmod(path, mode)
}

// Transition is reported to observers after every attempted state change.
type Transition struct {
	Path    string
	Protect bool
	Err     error
}

// Controller owns the quarantine state of one directory. The filesystem
// is the source of truth: permission bits are read before every transition
// and a directory already at mode 000 counts as protected.
type Controller struct {
	path        string
	backend     Backend
	restoreMode fs.FileMode
	observers   []func(Transition)

	mu        sync.Mutex
	protected bool
	prior     fs.FileMode
	hasPrior  bool
	changes   int
}

// Option customizes a Controller.
type Option func(*Controller)

// WithBackend replaces the platform permission backend.
func WithBackend(b Backend) Option {
	return func(c *Controller) { c.backend = b }
}

// WithRestoreMode sets the mode used when the pre-protect mode is unknown.
func WithRestoreMode(mode fs.FileMode) Option {
	return func(c *Controller) { c.restoreMode = mode.Perm() }
}

// WithObserver registers fn for every attempted transition.
func WithObserver(fn func(Transition)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// New creates a controller for dir.
func New(dir string, opts ...Option) *Controller {
	c := &Controller{
		path:        dir,
		backend:     platformBackend(),
		restoreMode: DefaultRestoreMode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the controlled directory.
func (c *Controller) Path() string {
	return c.path
}

// Protected reads the directory mode and reports whether it is at 000.
// The last known state is returned when the mode cannot be read.
func (c *Controller) Protected() bool {
	protected, _ := c.Refresh()
	return protected
}

// Changes returns how many chmod calls succeeded.
func (c *Controller) Changes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

// Refresh syncs the cached state with the directory's current mode.
func (c *Controller) Refresh() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode, err := c.backend.Mode(c.path)
	if err != nil {
		return c.protected, &PermissionChangeError{Path: c.path, Op: OpStat, Err: err}
	}
	c.protected = mode.Perm() == ProtectedMode
	return c.protected, nil
}

// Protect revokes all permissions on the directory. It is a no-op when the
// directory is already protected.
func (c *Controller) Protect() error {
	c.mu.Lock()
	changed, err := c.protect()
	c.mu.Unlock()

	if changed || err != nil {
		c.notify(Transition{Path: c.path, Protect: true, Err: err})
	}
	return err
}

func (c *Controller) protect() (bool, error) {
	mode, err := c.backend.Mode(c.path)
	if err != nil {
		return false, &PermissionChangeError{Path: c.path, Op: OpProtect, Err: err}
	}
	if mode.Perm() == ProtectedMode {
		c.protected = true
		return false, nil
	}
	c.protected = false

	if err := c.backend.Chmod(c.path, ProtectedMode); err != nil {
		return false, &PermissionChangeError{Path: c.path, Op: OpProtect, Err: err}
	}
	c.protected = true
	c.prior = mode & ModeMask
	c.hasPrior = true
	c.changes++
	return true, nil
}

// Restore returns the directory to its pre-protect mode, or to the restore
// mode when that is unknown. It is a no-op when the directory is not at
// mode 000.
func (c *Controller) Restore() error {
	c.mu.Lock()
	changed, err := c.restore()
	c.mu.Unlock()

	if changed || err != nil {
		c.notify(Transition{Path: c.path, Protect: false, Err: err})
	}
	return err
}

func (c *Controller) restore() (bool, error) {
	mode, err := c.backend.Mode(c.path)
	if err != nil {
		return false, &PermissionChangeError{Path: c.path, Op: OpRestore, Err: err}
	}
	if mode.Perm() != ProtectedMode {
		c.protected = false
		c.hasPrior = false
		return false, nil
	}

	target := c.restoreMode
	if c.hasPrior {
		target = c.prior
	}
	if err := c.backend.Chmod(c.path, target); err != nil {
		return false, &PermissionChangeError{Path: c.path, Op: OpRestore, Err: err}
	}
	c.protected = false
	c.hasPrior = false
	c.changes++
	return true, nil
}

func (c *Controller) notify(t Transition) {
	for _, fn := range c.observers {
		fn(t)
	}
}

// IsPermissionError reports whether err is a PermissionChangeError.
func IsPermissionError(err error) bool {
	var pce *PermissionChangeError
	return errors.As(err, &pce)
}
