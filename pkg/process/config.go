// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package process

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// SaveConfig writes the command's flag values to outfile as YAML, with
// specific values overridden. Hidden flags and the config flag itself are
// skipped. Setup commands use it to write an initial configuration file.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	settings := make(map[string]interface{})
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "config" {
			return
		}
		settings[f.Name] = f.Value.String()
	})
	for key, value := range overrides {
		settings[key] = value
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(atomicWrite(outfile, 0600, data))
}

// atomicWrite writes data to outfile through a rename, so readers never
// observe a partially written file.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := ioutil.TempFile(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Chmod(fh.Name(), mode); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(os.Rename(fh.Name(), outfile))
}
