package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

var errNoSudoUser = errors.New("SUDO_USER environment variable not found")

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, errNoSudoUser
	}
	return user.Lookup(sudoUser)
}

// dropPrivileges switches to the user who invoked sudo. It must run after
// every probe is attached and before storage is opened, so the database
// and manifests belong to that user. Without SUDO_USER it is a no-op and
// reports false.
func dropPrivileges() (bool, error) {
	u, err := getOriginalUser()
	if errors.Is(err, errNoSudoUser) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return false, fmt.Errorf("invalid uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return false, fmt.Errorf("invalid gid: %w", err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return false, fmt.Errorf("could not drop group privileges: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return false, fmt.Errorf("could not drop user privileges: %w", err)
	}
	return true, nil
}
