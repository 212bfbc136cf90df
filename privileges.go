package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// originalUser resolves the account that invoked sudo.
func originalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// dropPrivileges gives up root for the sudo-invoking user. Hooks that
// are already planted keep working; only new plants need root again.
func dropPrivileges() error {
	u, err := originalUser()
	if err != nil {
		return fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %w", err)
	}
	return nil
}
