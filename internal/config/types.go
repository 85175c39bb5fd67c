// Copyright 2024 Google LLC
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

// Package config holds agentfsd's configuration surface: the Config struct
// bound to cobra/viper flags, its datatypes with custom (un)marshalling, and
// mapstructure decode hooks that tie the two together.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Logging-level constants, shared by config and logger.
const (
	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

var severityRanking = map[string]int{
	TRACE: 0, DEBUG: 1, INFO: 2, WARNING: 3, ERROR: 4, OFF: 5,
}

// Octal is the datatype for params such as file-mode and dir-mode which
// accept a base-8 value, e.g. "0755".
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

func (o Octal) String() string {
	return fmt.Sprintf("%o", int64(o))
}

// ResolvedPath is a filesystem path resolved (tilde-expanded, made absolute)
// at config-decode time rather than at every point of use.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	resolved, err := ResolveUserPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(resolved)
	return nil
}

// ResolveUserPath expands a leading "~" to the user's home directory and
// makes the result absolute. The empty string resolves to itself.
func ResolveUserPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// BackendKind selects the storage.Backend implementation.
type BackendKind string

const (
	BackendInMemory BackendKind = "memory"
	BackendHostFile BackendKind = "hostfile"
)

func (k *BackendKind) UnmarshalText(text []byte) error {
	v := BackendKind(strings.ToLower(string(text)))
	if !slices.Contains([]BackendKind{BackendInMemory, BackendHostFile}, v) {
		return fmt.Errorf("invalid storage backend kind: %s (want %q or %q)", text, BackendInMemory, BackendHostFile)
	}
	*k = v
	return nil
}

// LogRotateConfig mirrors lumberjack's rotation knobs.
type LogRotateConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMb: 512, BackupFileCount: 10, Compress: true}
}

// LoggingConfig is the logging section of Config.
type LoggingConfig struct {
	Severity  string          `yaml:"severity"`
	Format    string          `yaml:"format"`
	FilePath  ResolvedPath    `yaml:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

// FileSystemConfig controls the default ownership/permission bits new Nodes
// are created with, mirroring the teacher's FileSystemConfig.
type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`
	DirMode  Octal `yaml:"dir-mode"`
	Uid      int   `yaml:"uid"`
	Gid      int   `yaml:"gid"`
}

// StorageConfig selects and configures the storage.Backend.
type StorageConfig struct {
	Backend          BackendKind  `yaml:"backend"`
	HostFileRoot     ResolvedPath `yaml:"host-file-root"`
	PreferReflink    bool         `yaml:"prefer-reflink"`
	PreferNativeSnap bool         `yaml:"prefer-native-snapshots"`
}

// ControlPlaneConfig configures the socket the control plane listens on.
type ControlPlaneConfig struct {
	SocketPath       ResolvedPath `yaml:"socket-path"`
	MaxConnPerSecond float64      `yaml:"max-conn-per-second"`
}

// RecorderConfig configures the terminal-recording subsystem.
type RecorderConfig struct {
	Enabled      bool         `yaml:"enabled"`
	OutputPath   ResolvedPath `yaml:"output-path"`
	BacklogBytes int          `yaml:"backlog-bytes"`
}

// DebugConfig enables extra runtime checking at a performance cost.
type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
	LogMutex                 bool `yaml:"log-mutex"`
}

// Config is the root of agentfsd's configuration tree.
type Config struct {
	AppName      string              `yaml:"app-name"`
	Debug        DebugConfig         `yaml:"debug"`
	FileSystem   FileSystemConfig    `yaml:"file-system"`
	Storage      StorageConfig       `yaml:"storage"`
	ControlPlane ControlPlaneConfig  `yaml:"control-plane"`
	Recorder     RecorderConfig      `yaml:"recorder"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// IsValidSeverity reports whether s is one of the recognized log severities.
func IsValidSeverity(s string) bool {
	_, ok := severityRanking[strings.ToUpper(s)]
	return ok
}
