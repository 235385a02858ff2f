//go:build !linux

package system

func uname() OSInfo {
	return OSInfo{}
}
