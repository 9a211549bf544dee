// Package revision parses the revision specifiers accepted wherever the
// store takes one: a decimal generation number, or the case-insensitive
// literal "HEAD" meaning the newest revision at the time of the call.
package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// Head is the sentinel value Parse returns for "HEAD". Database
// resolves it to the store's current head revision number at call time;
// it is never itself stored as a revision number.
const Head = ^uint64(0)

// Parse converts s into a revision number or Head. It accepts a decimal,
// non-negative integer with no extra characters, or "head"/"HEAD" (and any
// other casing) with surrounding whitespace trimmed. Anything else,
// including an empty string, a signed number, a hex literal, or a decimal
// number with trailing garbage, is rejected.
func Parse(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)

	if strings.EqualFold(trimmed, "head") {
		return Head, nil
	}

	if trimmed == "" {
		return 0, fmt.Errorf("revision: empty specifier")
	}

	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("revision: %q is not a valid revision number or \"HEAD\": %w", s, err)
	}

	return n, nil
}
