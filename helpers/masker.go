package helpers

import "strings"

// MaskSensitive redacts credentials from an NNTP command line before it is logged.
//
// AUTHINFO PASS <password> keeps "AUTHINFO PASS" and AUTHINFO SASL <mech> <data>
// keeps the mechanism name. AUTHINFO USER is left intact. Any other command is
// returned unchanged.
func MaskSensitive(line string) string {
	parts := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(parts) < 2 || !strings.EqualFold(parts[0], "AUTHINFO") {
		return line
	}

	var keep int
	switch strings.ToUpper(parts[1]) {
	case "PASS":
		keep = 2
	case "SASL":
		keep = 3
	default:
		return line
	}

	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}
