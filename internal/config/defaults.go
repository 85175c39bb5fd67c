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

// Default returns the configuration used before any flags or config file
// have been parsed, analogous to the teacher's GetDefaultLoggingConfig.
func Default() Config {
	return Config{
		AppName: "agentfsd",
		FileSystem: FileSystemConfig{
			FileMode: 0644,
			DirMode:  0755,
			Uid:      -1,
			Gid:      -1,
		},
		Storage: StorageConfig{
			Backend: BackendInMemory,
		},
		ControlPlane: ControlPlaneConfig{
			SocketPath:       "/tmp/agentfs/control.sock",
			MaxConnPerSecond: 50,
		},
		Recorder: RecorderConfig{
			BacklogBytes: 8 << 20,
		},
		Logging: LoggingConfig{
			Severity:  INFO,
			Format:    "json",
			LogRotate: DefaultLogRotateConfig(),
		},
	}
}
