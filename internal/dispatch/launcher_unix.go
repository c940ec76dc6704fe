//go:build unix

package dispatch

import (
	"os/exec"
	"syscall"
)

func setCredential(c *exec.Cmd, id Identity) {
	if c.SysProcAttr == nil {
		c.SysProcAttr = &syscall.SysProcAttr{}
	}
	c.SysProcAttr.Credential = &syscall.Credential{
		Uid:         id.UID,
		Gid:         id.GID,
		Groups:      id.Groups,
		NoSetGroups: len(id.Groups) == 0,
	}
}

func detach(c *exec.Cmd) {
	if c.SysProcAttr == nil {
		c.SysProcAttr = &syscall.SysProcAttr{}
	}
	c.SysProcAttr.Setpgid = true
}
