package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN converts a "XXXXXXXX/XXXXXXXX" log sequence number, as printed by
// pg_controldata and pg_stat_replication, into its flat byte-offset form
// used throughout this package for lag arithmetic.
func ParseLSN(s string) (uint64, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("postgres: malformed lsn %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("postgres: malformed lsn %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("postgres: malformed lsn %q: %w", s, err)
	}
	return hi<<32 | lo, nil
}

// FormatLSN renders a flat LSN back into Postgres's "XXXXXXXX/XXXXXXXX" form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}
