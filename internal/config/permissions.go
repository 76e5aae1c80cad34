package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead = 0o400
	permGroupMask = 0o070
	permOtherMask = 0o007
)

// CheckKeyPermissions validates the mode of a private key file such as the
// cookie sealing identity.
//
// Access by others is an error. Any group access returns a warning.
func CheckKeyPermissions(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("key path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat key %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("key %s must be a regular file", path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("key %s must be readable by owner (mode %04o)", path, perms)
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("key %s must not be accessible by others (mode %04o)", path, perms)
	}
	if perms&permGroupMask != 0 {
		return fmt.Sprintf("key %s is group-accessible (mode %04o); consider chmod 0600", path, perms), nil
	}
	return "", nil
}
