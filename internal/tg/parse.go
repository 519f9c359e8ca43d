package tg

import (
	"regexp"
	"strings"
)

var reUserID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IsUserID accepts uuids and other opaque ids made of word characters.
func IsUserID(s string) bool {
	return reUserID.MatchString(strings.TrimSpace(s))
}

// ParseHistoryCommand extracts the user id from "/history <id>" or
// "/history@bot <id>".
func ParseHistoryCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return "", false
	}
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd != "/history" || !IsUserID(fields[1]) {
		return "", false
	}
	return fields[1], true
}
