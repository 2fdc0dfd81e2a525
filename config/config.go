// Package config holds the engine's environment-sourced tunables (§6),
// grounded on the teacher's storage.SettingsT: one flat struct with a
// package-level instance, plus a loader from environment variables
// instead of the teacher's REPL-driven ChangeSettings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
)

// Config mirrors §6's recognized keys.
type Config struct {
	CooldownBaseSeconds   uint32
	UndoDeadlineSeconds   uint32
	DatabaseTickrateHz    float64
	BufferedReadbackLimit int
	DefaultPageItemLimit  int
	MaxPageItemLimit      int
	StoreDriver           string // "mysql" | "postgres" | "memory"
	StoreDSN              string
	PendingChannelCap     int
}

// Default mirrors spec.md §6's defaults.
func Default() Config {
	return Config{
		CooldownBaseSeconds:   30,
		UndoDeadlineSeconds:   300,
		BufferedReadbackLimit: 64,
		DefaultPageItemLimit:  50,
		MaxPageItemLimit:      1000,
		StoreDriver:           "memory",
		PendingChannelCap:     10000,
	}
}

// Load reads recognized keys from the environment, falling back to
// Default for anything unset. Byte-size-like keys use
// github.com/docker/go-units so operators can write "64KiB" instead of a
// raw integer, the same convenience the teacher's shard-size tuning
// benefits from but never wired up itself.
func Load() (Config, error) {
	c := Default()

	if v := os.Getenv("COOLDOWN"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return c, fmt.Errorf("config: COOLDOWN: %w", err)
		}
		c.CooldownBaseSeconds = uint32(n)
	}
	if v := os.Getenv("UNDO_DEADLINE_SECONDS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return c, fmt.Errorf("config: UNDO_DEADLINE_SECONDS: %w", err)
		}
		c.UndoDeadlineSeconds = uint32(n)
	}
	if v := os.Getenv("DATABASE_TICKRATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, fmt.Errorf("config: DATABASE_TICKRATE: %w", err)
		}
		c.DatabaseTickrateHz = f
	}
	if v := os.Getenv("BUFFERED_READBACK_LIMIT"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return c, fmt.Errorf("config: BUFFERED_READBACK_LIMIT: %w", err)
		}
		c.BufferedReadbackLimit = int(n)
	}
	if v := os.Getenv("DEFAULT_PAGE_ITEM_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: DEFAULT_PAGE_ITEM_LIMIT: %w", err)
		}
		c.DefaultPageItemLimit = n
	}
	if v := os.Getenv("MAX_PAGE_ITEM_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: MAX_PAGE_ITEM_LIMIT: %w", err)
		}
		c.MaxPageItemLimit = n
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.StoreDriver = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("PENDING_CHANNEL_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: PENDING_CHANNEL_CAP: %w", err)
		}
		c.PendingChannelCap = n
	}

	return c, nil
}
