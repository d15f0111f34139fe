package http

import (
    "time"

    xutil "ArbCore/pkg/util"
)

// ParseLimit parses a page size, falling back to def and bounded to [1, max].
func ParseLimit(s string, def, max int) int {
    return xutil.ClampInt(xutil.ParseIntDefault(s, def), 1, max)
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time { return xutil.ParseTimeDefault(s, def) }
