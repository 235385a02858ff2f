//go:build linux

package system

import "golang.org/x/sys/unix"

func uname() OSInfo {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return OSInfo{}
	}
	return OSInfo{
		Type:     unix.ByteSliceToString(u.Sysname[:]),
		Release:  unix.ByteSliceToString(u.Release[:]),
		Machine:  unix.ByteSliceToString(u.Machine[:]),
		Hostname: unix.ByteSliceToString(u.Nodename[:]),
	}
}
