//go:build !windows

package system

import (
	"log"
	"log/syslog"
)

// EnableSyslog enables logging to syslog
func EnableSyslog() error {
	lgr, err := syslog.New(syslog.LOG_NOTICE, "runsync")
	if err != nil {
		return err
	}

	log.SetOutput(lgr)

	return nil
}
