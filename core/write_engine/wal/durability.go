package wal

import (
	"fmt"
	"strings"
)

// DurabilityMode selects what Append waits for before returning.
type DurabilityMode int

const (
	// Buffered returns once the entry is in the OS page cache.
	Buffered DurabilityMode = iota
	// Sync returns once the entry is on stable storage.
	Sync
	// SyncVerify syncs and then reads the entry back and compares its hash.
	SyncVerify
)

func (m DurabilityMode) String() string {
	switch m {
	case Buffered:
		return "buffered"
	case Sync:
		return "sync"
	case SyncVerify:
		return "sync_verify"
	default:
		return fmt.Sprintf("DurabilityMode(%d)", int(m))
	}
}

// ParseDurabilityMode accepts the names produced by String plus a few aliases.
func ParseDurabilityMode(s string) (DurabilityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buffered", "none", "os":
		return Buffered, nil
	case "sync", "flush", "fsync", "":
		return Sync, nil
	case "sync_verify", "verify", "flush_verify":
		return SyncVerify, nil
	default:
		return Sync, fmt.Errorf("unknown durability mode %q", s)
	}
}

func (m DurabilityMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *DurabilityMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDurabilityMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
