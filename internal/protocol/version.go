// ABOUTME: Client/server protocol version compatibility check
// ABOUTME: Major mismatches are errors, minor mismatches are warnings

package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the protocol version spoken by this gateway.
const Version = "3.2.0"

// Warning severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// VersionWarning is attached to auth-success when versions disagree.
type VersionWarning struct {
	Severity      string `json:"severity"`
	Message       string `json:"message"`
	UpgradeAction string `json:"upgradeAction"`
}

// CheckVersion compares a client version against the server's. It returns nil
// when the two share major and minor versions.
func CheckVersion(server, client string) *VersionWarning {
	upgrade := fmt.Sprintf("Upgrade the client to version %s", strings.TrimPrefix(server, "v"))

	if client == "" {
		return &VersionWarning{
			Severity:      SeverityWarning,
			Message:       "Client did not report a version; some features may not work",
			UpgradeAction: upgrade,
		}
	}

	sv, cv := canonical(server), canonical(client)
	if !semver.IsValid(cv) {
		return &VersionWarning{
			Severity:      SeverityWarning,
			Message:       fmt.Sprintf("Client version %q is not a valid version", client),
			UpgradeAction: upgrade,
		}
	}

	switch {
	case semver.Major(sv) != semver.Major(cv):
		return &VersionWarning{
			Severity:      SeverityError,
			Message:       fmt.Sprintf("Client version %s is incompatible with server version %s", client, server),
			UpgradeAction: upgrade,
		}
	case semver.MajorMinor(sv) != semver.MajorMinor(cv):
		return &VersionWarning{
			Severity:      SeverityWarning,
			Message:       fmt.Sprintf("Client version %s differs from server version %s", client, server),
			UpgradeAction: upgrade,
		}
	}
	return nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
