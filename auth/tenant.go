// Package auth drives sign-in: OAuth refresh and interactive flows, the
// skypetoken exchange, endpoint registration and subscription. It owns every
// credential the rest of the session consumes.
package auth

import (
	"regexp"
	"strings"
)

var guidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// TenantHost resolves the user-supplied tenant setting to the path segment
// the login host expects. Empty means the multi-tenant "Common" endpoint; a
// domain or GUID passes through verbatim; a bare word is treated as an
// onmicrosoft.com subdomain.
func TenantHost(tenant string) string {
	t := strings.TrimSpace(tenant)
	if t == "" {
		return "Common"
	}
	if strings.Contains(t, ".") || guidRe.MatchString(t) {
		return t
	}
	return t + ".onmicrosoft.com"
}
