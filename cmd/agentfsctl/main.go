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

// Command agentfsctl is a thin CLI client for agentfsd's control-plane
// socket, mirroring the teacher's cmd/root.go command-tree shape with a
// much smaller surface: snapshot-create, snapshot-list, branch-create,
// branch-bind and interpose. FdOpen, FdDup and PathOp have no subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-harbor/agentfs/control"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:           "agentfsctl",
		Short:         "Control client for an agentfsd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/agentfs/control.sock", "UNIX domain socket agentfsd is listening on.")

	dial := func() (*control.Client, error) {
		return control.Dial("unix", socketPath)
	}

	root.AddCommand(snapshotCreateCmd(dial), snapshotListCmd(dial), branchCreateCmd(dial), branchBindCmd(dial), interposeCmd(dial))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func snapshotCreateCmd(dial func() (*control.Client, error)) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "snapshot-create",
		Short: "Create a snapshot of the bound branch's current tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			req := &control.SnapshotCreateRequest{}
			if name != "" {
				req.Name = &name
			}
			resp, err := c.Call(&control.Request{Tag: control.TagSnapshotCreate, SnapshotCreate: req})
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %d created\n", resp.SnapshotCreate.Info.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Optional human-readable snapshot name.")
	return cmd
}

func snapshotListCmd(dial func() (*control.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot-list",
		Short: "List every live snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(&control.Request{Tag: control.TagSnapshotList, SnapshotList: &control.SnapshotListRequest{}})
			if err != nil {
				return err
			}
			for _, s := range resp.SnapshotList.Snapshots {
				name := ""
				if s.Name != nil {
					name = *s.Name
				}
				fmt.Printf("%d\t%s\n", s.ID, name)
			}
			return nil
		},
	}
}

func branchCreateCmd(dial func() (*control.Client, error)) *cobra.Command {
	var from uint64
	var name string
	cmd := &cobra.Command{
		Use:   "branch-create",
		Short: "Fork a writable branch from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			req := &control.BranchCreateRequest{From: from}
			if name != "" {
				req.Name = &name
			}
			resp, err := c.Call(&control.Request{Tag: control.TagBranchCreate, BranchCreate: req})
			if err != nil {
				return err
			}
			fmt.Printf("branch %d created (parent snapshot %d)\n", resp.BranchCreate.Info.ID, resp.BranchCreate.Info.Parent)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from-snapshot", 0, "Snapshot ID to fork from.")
	cmd.Flags().StringVar(&name, "name", "", "Optional human-readable branch name.")
	return cmd
}

func branchBindCmd(dial func() (*control.Client, error)) *cobra.Command {
	var branch uint64
	var pid uint64
	cmd := &cobra.Command{
		Use:   "branch-bind",
		Short: "Bind a process to a branch's view",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			req := &control.BranchBindRequest{Branch: branch}
			if pid != 0 {
				req.PID = &pid
			}
			resp, err := c.Call(&control.Request{Tag: control.TagBranchBind, BranchBind: req})
			if err != nil {
				return err
			}
			fmt.Printf("pid %d bound to branch %d\n", resp.BranchBind.PID, resp.BranchBind.Branch)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&branch, "branch", 0, "Branch ID to bind to.")
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID to bind (defaults to the connecting process).")
	return cmd
}

func interposeCmd(dial func() (*control.Client, error)) *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "interpose",
		Short: "Get or set an interpose key/value policy knob",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			req := &control.InterposeSetGetRequest{Key: key}
			if cmd.Flags().Changed("value") {
				req.Value = []byte(value)
			}
			resp, err := c.Call(&control.Request{Tag: control.TagInterposeSetGet, InterposeSetGet: req})
			if err != nil {
				return err
			}
			fmt.Printf("%s = %q\n", key, resp.InterposeSetGet.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Policy key.")
	cmd.Flags().StringVar(&value, "value", "", "New value to set (omit to just read).")
	return cmd
}
