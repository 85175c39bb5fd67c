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

import "fmt"

func isValidLogRotateConfig(c *LogRotateConfig) error {
	if c.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if c.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (retain all) or positive")
	}
	return nil
}

// Validate returns a non-nil error if the config is unusable.
func Validate(c *Config) error {
	if err := isValidLogRotateConfig(&c.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if !IsValidSeverity(c.Logging.Severity) {
		return fmt.Errorf("invalid logging.severity: %s", c.Logging.Severity)
	}
	if c.Storage.Backend == BackendHostFile && c.Storage.HostFileRoot == "" {
		return fmt.Errorf("storage.host-file-root is required when storage.backend is %q", BackendHostFile)
	}
	if c.ControlPlane.SocketPath == "" {
		return fmt.Errorf("control-plane.socket-path must not be empty")
	}
	if c.Recorder.Enabled && c.Recorder.OutputPath == "" {
		return fmt.Errorf("recorder.output-path is required when recorder.enabled is true")
	}
	return nil
}
