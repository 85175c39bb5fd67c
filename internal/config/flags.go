// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers agentfsd's command-line flags and binds each one to
// its viper key, mirroring the teacher's generated cfg.BindFlags.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(key string, err error) error {
		if err != nil {
			return err
		}
		return nil
	}

	flagSet.StringP("app-name", "", "agentfsd", "Application name reported in logs and metrics.")
	if err := bind("app-name", viper.BindPFlag("app-name", flagSet.Lookup("app-name"))); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Exit when internal invariants are violated.")
	if err := bind("debug.exit-on-invariant-violation", viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants"))); err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permission bits for new files, in octal.")
	if err := bind("file-system.file-mode", viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))); err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0755, "Permission bits for new directories, in octal.")
	if err := bind("file-system.dir-mode", viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))); err != nil {
		return err
	}

	flagSet.StringP("storage-backend", "", string(BackendInMemory), "Storage backend: memory or hostfile.")
	if err := bind("storage.backend", viper.BindPFlag("storage.backend", flagSet.Lookup("storage-backend"))); err != nil {
		return err
	}

	flagSet.StringP("host-file-root", "", "", "Directory holding one file per ContentID, when storage-backend=hostfile.")
	if err := bind("storage.host-file-root", viper.BindPFlag("storage.host-file-root", flagSet.Lookup("host-file-root"))); err != nil {
		return err
	}

	flagSet.StringP("socket-path", "", "/tmp/agentfs/control.sock", "UNIX domain socket the control plane listens on.")
	if err := bind("control-plane.socket-path", viper.BindPFlag("control-plane.socket-path", flagSet.Lookup("socket-path"))); err != nil {
		return err
	}

	flagSet.BoolP("recorder-enabled", "", false, "Open a recorder writer on recorder.output-path; agentfsd itself writes no records to it.")
	if err := bind("recorder.enabled", viper.BindPFlag("recorder.enabled", flagSet.Lookup("recorder-enabled"))); err != nil {
		return err
	}

	flagSet.StringP("recorder-output", "", "", "Path of the .ahr recording file.")
	if err := bind("recorder.output-path", viper.BindPFlag("recorder.output-path", flagSet.Lookup("recorder-output"))); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", INFO, "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err := bind("logging.severity", viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "Log format: json or text.")
	if err := bind("logging.format", viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "If set, logs are written to this file (rotated via log-rotate settings) instead of stderr.")
	return bind("logging.file-path", viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")))
}

// Load decodes viper's current state into a Config using DecodeHook, the
// same two-step "unmarshal with custom hooks" shape cmd/root.go uses.
func Load() (Config, error) {
	cfg := Default()
	err := viper.Unmarshal(&cfg, viper.DecodeHook(DecodeHook()))
	return cfg, err
}
