// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package process wires configuration, logging and lifecycle handling for
// the command line programs.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile = flag.String("config", "", "path to configuration file")

// Execute runs a *cobra.Command with flag, environment and config file
// handling wired in. Precedence: explicit flags, then CUBIT_* environment
// variables, then the config file, then flag defaults.
func Execute(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		for _, sub := range allCommands(cmd) {
			Must(applyConfig(sub))
		}
	})

	Must(cmd.Execute())
}

func allCommands(cmd *cobra.Command) []*cobra.Command {
	commands := []*cobra.Command{cmd}
	for _, sub := range cmd.Commands() {
		commands = append(commands, allCommands(sub)...)
	}
	return commands
}

// Viper returns a viper instance bound to the command's flags, the CUBIT_*
// environment and the optional config file.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvPrefix("cubit")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	if *cfgFile != "" {
		vip.SetConfigFile(*cfgFile)
		if err := vip.ReadInConfig(); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return vip, nil
}

// applyConfig overrides unchanged flags with values from the environment
// and the config file.
func applyConfig(cmd *cobra.Command) error {
	vip, err := Viper(cmd)
	if err != nil {
		return err
	}

	var failure error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		value := vip.GetString(f.Name)
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(vip.GetStringSlice(f.Name), ",")
		}
		if err := cmd.Flags().Set(f.Name, value); err != nil && failure == nil {
			failure = Error.New("invalid value for %q: %v", f.Name, err)
		}
	})
	return failure
}

// Ctx returns a context canceled on SIGINT or SIGTERM. A second signal
// exits immediately.
func Ctx(cmd *cobra.Command) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		<-signals
		os.Exit(1)
	}()

	return ctx
}

// Must can be used for default error handling in main.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
