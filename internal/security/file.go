package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Modes of secret files and the directories holding them.
const (
	PermSecretFile os.FileMode = 0o600
	PermSecretDir  os.FileMode = 0o700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrInvalidPath         = errors.New("security: invalid path")
)

func cleanPath(path string) (string, error) {
	switch {
	case path == "":
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	case strings.ContainsRune(path, 0):
		return "", fmt.Errorf("%w: null byte in path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

// WriteSecretFile replaces path with data, mode 0600. data is written to a
// temporary sibling, synced and renamed over path, so readers see either the
// old secret or the new one.
func WriteSecretFile(path string, data []byte) (err error) {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(PermSecretFile); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// ReadSecretFile reads secret material from path. Outside Windows, files
// readable by group or others are refused. maxSize <= 0 means no limit.
func ReadSecretFile(path string, maxSize int64) ([]byte, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	if mode := info.Mode().Perm(); runtime.GOOS != "windows" && mode&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o, expected %04o", ErrInsecurePermissions, p, mode, PermSecretFile)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(p)
}
