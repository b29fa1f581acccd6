//go:build unix

package quarantine

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// unixBackend reads and sets permission bits with raw stat/chmod calls.
type unixBackend struct{}

func (unixBackend) Mode(path string) (fs.FileMode, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return fromUnixMode(uint32(st.Mode)), nil
}

func (unixBackend) Chmod(path string, mode fs.FileMode) error {
	return unix.Chmod(path, toUnixMode(mode))
}

func fromUnixMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	if m&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func toUnixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

func platformBackend() Backend {
	return unixBackend{}
}
