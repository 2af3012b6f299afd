package ingest

import (
	"os/user"
	"strconv"
)

// usernameForUID resolves a numeric UID to a system username via the
// standard library's NSS-aware lookup, returning "" if it cannot be
// resolved (e.g. the process has already exited and /etc/passwd has no
// record of a dynamically allocated UID).
func usernameForUID(uid int32) string {
	u, err := user.LookupId(strconv.Itoa(int(uid)))
	if err != nil {
		return ""
	}
	return u.Username
}
