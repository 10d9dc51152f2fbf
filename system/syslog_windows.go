//go:build windows

package system

import "errors"

// EnableSyslog returns an error, windows has no syslog
func EnableSyslog() error {
	return errors.New("syslog is not available on windows")
}
