// Copyright 2024-2026 Aiku AI

package connector

import (
	"regexp"
	"strings"
)

// UserServer is the JID server part for individual accounts.
const UserServer = "s.whatsapp.net"

var phonePattern = regexp.MustCompile(`^\+\d{10,15}$`)

// IsValidPhone reports whether phone is in E.164-like form: a leading '+'
// followed by 10 to 15 digits.
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// PhoneToJID strips every non-digit from phone and appends the user server.
func PhoneToJID(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return digits + "@" + UserServer
}

// JIDToPhone returns "+<digits>" for a JID whose user part is all digits.
// Device suffixes ("123:4@s.whatsapp.net") are ignored.
func JIDToPhone(jid string) (string, bool) {
	user, _, found := strings.Cut(jid, "@")
	if !found {
		return "", false
	}
	user, _, _ = strings.Cut(user, ":")
	if user == "" {
		return "", false
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return "+" + user, true
}
