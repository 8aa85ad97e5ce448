// Package keys builds rate-limit keys. Prefixes keep keys derived from
// different identities from colliding in one strategy.
package keys

import "strings"

const sep = ":"

// FromIP returns "ip:<ip>".
func FromIP(ip string) string { return "ip" + sep + ip }

// FromUser returns "user:<id>".
func FromUser(id string) string { return "user" + sep + id }

// FromEndpoint returns "endpoint:<endpoint>".
func FromEndpoint(endpoint string) string { return "endpoint" + sep + endpoint }

// Custom returns prefix followed by parts, colon separated.
func Custom(prefix string, parts ...string) string {
	return Composite(append([]string{prefix}, parts...)...)
}

// Composite joins parts with colons, e.g. Composite(FromUser("7"), "/api")
// limits a user per endpoint.
func Composite(parts ...string) string {
	return strings.Join(parts, sep)
}
