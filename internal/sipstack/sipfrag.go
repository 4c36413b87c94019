package sipstack

import (
	"fmt"
	"strconv"
	"strings"
)

// parseSipfrag reads the status line of a message/sipfrag NOTIFY body,
// e.g. "SIP/2.0 180 Ringing".
func parseSipfrag(body []byte) (int, string, error) {
	line := strings.TrimSpace(string(body))
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0, "", fmt.Errorf("not a sipfrag status line: %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return 0, "", fmt.Errorf("invalid sipfrag status %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}
