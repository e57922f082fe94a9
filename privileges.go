package sshhoneypot

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

var ErrSuperuserTarget = errors.New("refusing to run a session shell as uid 0")

// SESSION_UMASK is applied process wide at startup so shells inherit it.
const SESSION_UMASK int = 0o077

// dropPrivileges arranges for cmd to run as username: the uid and primary
// gid are installed and supplementary groups are cleared in the child
// before exec. It is a no-op when the server itself is not running as
// root, since no switch is possible then.
func dropPrivileges(cmd *exec.Cmd, username string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	account, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %v: %w", username, err)
	}
	uid, err := strconv.ParseUint(account.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", account.Uid, err)
	}
	gid, err := strconv.ParseUint(account.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", account.Gid, err)
	}
	if uid == 0 {
		return fmt.Errorf("%w: %v", ErrSuperuserTarget, username)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid:    uint32(uid),
		Gid:    uint32(gid),
		Groups: []uint32{},
	}
	return nil
}

// homeDirectory returns the account's home when it exists as a directory
// and fallback otherwise.
func homeDirectory(username string, fallback string) string {
	account, err := user.Lookup(username)
	if err != nil || account.HomeDir == "" {
		return fallback
	}
	info, err := os.Stat(account.HomeDir)
	if err != nil || !info.IsDir() {
		return fallback
	}
	return account.HomeDir
}

func RestrictUmask() {
	syscall.Umask(SESSION_UMASK)
}
