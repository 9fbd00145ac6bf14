// Package config loads blackboard-server configuration: CLI flags for the
// common case, plus an optional commented-JSON file for values that are
// awkward to pass as flags (buffer mode table, per-blackboard sizes).
// hujson.Standardize strips comments and trailing commas before the result
// goes through the standard encoding/json decoder, so operators can
// annotate the file without a separate schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"

	"github.com/finrocmirror/go-blackboard/internal/transport/grpcremote"
	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// BlackboardSpec describes one named blackboard instance to construct at
// startup. Its element type is fixed to float64 at this layer: a single
// server process's gRPC wire format and CLI config need one concrete type
// to agree on, even though the blackboard core itself stays generic.
type BlackboardSpec struct {
	Name              string        `json:"name"`
	InitialSize       int           `json:"initial_size"`
	Mode              string        `json:"mode"` // "single", "multi", or "adaptive"
	KeepAliveTimeout  time.Duration `json:"keep_alive_timeout,omitempty"`
	LockCheckInterval time.Duration `json:"lock_check_interval,omitempty"`
	MaxOutstanding    int           `json:"max_outstanding_buffers,omitempty"`
}

// mode parses the textual Mode field into a blackboard.Mode.
func (b BlackboardSpec) mode() (blackboard.Mode, error) {
	switch b.Mode {
	case "single":
		return blackboard.ModeSingleBuffered, nil
	case "multi":
		return blackboard.ModeMultiBuffered, nil
	case "adaptive":
		return blackboard.ModeAdaptive, nil
	default:
		return blackboard.ModeNone, fmt.Errorf("config: unknown blackboard mode %q for %q", b.Mode, b.Name)
	}
}

// Config is the blackboard-server daemon's full configuration.
type Config struct {
	ConfigFile string

	GRPC grpcremote.Config

	Blackboards []BlackboardSpec
}

// Flags registers the flag-backed subset of Config. Blackboards can only
// come from the config file, since a flag-per-blackboard doesn't scale.
func (c *Config) Flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.ConfigFile, "config", "", "path to a JSONC config file describing the blackboards to host")
	c.GRPC.Flags(cmd)
}

// Load reads c.ConfigFile, if set, and merges its Blackboards list in.
// Flags take precedence for everything the Flags method registers; the file
// is the only source for Blackboards.
func (c *Config) Load() error {
	if c.ConfigFile == "" {
		return nil
	}

	raw, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", c.ConfigFile, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("config: parsing %s as JSONC: %w", c.ConfigFile, err)
	}

	var file struct {
		Blackboards []BlackboardSpec `json:"blackboards"`
	}
	if err := json.Unmarshal(standardized, &file); err != nil {
		return fmt.Errorf("config: decoding %s: %w", c.ConfigFile, err)
	}

	c.Blackboards = file.Blackboards
	return nil
}

// BuildServerConfig resolves this blackboard description into a
// blackboard.Config[float64], minus the Port, which the caller supplies (it
// ties the blackboard to a concrete data-port subsystem instance).
func (b BlackboardSpec) BuildServerConfig(port blackboard.Port[float64]) (blackboard.Config[float64], error) {
	mode, err := b.mode()
	if err != nil {
		return blackboard.Config[float64]{}, err
	}
	return blackboard.Config[float64]{
		Name:                  b.Name,
		InitialSize:           b.InitialSize,
		Mode:                  mode,
		Port:                  port,
		KeepAliveTimeout:      b.KeepAliveTimeout,
		LockCheckInterval:     b.LockCheckInterval,
		MaxOutstandingBuffers: b.MaxOutstanding,
	}, nil
}
