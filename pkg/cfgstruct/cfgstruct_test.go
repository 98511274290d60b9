// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	type nested struct {
		MaxRepair int           `help:"maximum concurrent repairs" default:"5"`
		Interval  time.Duration `help:"loop interval" default:"30s"`
	}
	type config struct {
		NodeID  string `help:"member id"`
		Debug   bool   `help:"enable debug" default:"true"`
		K       int    `help:"data fragments" default:"3"`
		Peers   []string
		Repair  nested
		Skipped string `hidden:"true"`
	}

	var cfg config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Bind(flags, &cfg)

	assert.Equal(t, true, cfg.Debug)
	assert.Equal(t, 3, cfg.K)
	assert.Equal(t, 5, cfg.Repair.MaxRepair)
	assert.Equal(t, 30*time.Second, cfg.Repair.Interval)

	require.NoError(t, flags.Parse([]string{
		"--node-id", "node-1",
		"--repair.max-repair", "7",
		"--peers", "a@1,b@2",
	}))
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 7, cfg.Repair.MaxRepair)
	assert.Equal(t, []string{"a@1", "b@2"}, cfg.Peers)

	hidden := flags.Lookup("skipped")
	require.NotNil(t, hidden)
	assert.True(t, hidden.Hidden)
}

func TestKebabCase(t *testing.T) {
	cases := map[string]string{
		"NodeID":          "node-id",
		"K":               "k",
		"BindAddr":        "bind-addr",
		"ReclaimInterval": "reclaim-interval",
		"HTTPAddr":        "http-addr",
	}
	for in, want := range cases {
		assert.Equal(t, want, kebabCase(in), in)
	}
}
