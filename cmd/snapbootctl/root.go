// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/canonical/snapboot/btrfs"
	"github.com/canonical/snapboot/internal/config"
	"github.com/canonical/snapboot/internal/logging"
	"github.com/canonical/snapboot/sdbootmgr"
)

type globalFlags struct {
	configFile string
	esp        string
	entryToken string
	arch       string
	logLevel   string
	logFormat  string
}

// apply overrides cfg with the flags given on the command line.
func (g *globalFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("esp") {
		cfg.ESPPath = g.esp
	}
	if flags.Changed("entry-token") {
		cfg.EntryToken = g.entryToken
	}
	if flags.Changed("arch") {
		cfg.Arch = g.arch
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
}

// env is what every subcommand works with.
type env struct {
	cfg     *config.Config
	volumes *btrfs.Volumes
	manager *sdbootmgr.Manager
	out     io.Writer
}

// snapshot returns the snapshot named by args[i], or the running one.
func (e *env) snapshot(args []string, i int) (sdbootmgr.Snapshot, error) {
	if len(args) <= i {
		return e.volumes.RootSnapshot()
	}
	id, err := strconv.Atoi(args[i])
	if err != nil || id < 0 {
		return sdbootmgr.Snapshot{}, fmt.Errorf("invalid snapshot %q", args[i])
	}
	return e.volumes.Snapshot(id)
}

var newManager = sdbootmgr.NewManager

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "snapbootctl",
		Short: "Manage kernels and boot entries of btrfs snapshots",
		Long: `snapbootctl installs the kernels of btrfs root filesystem snapshots onto
the EFI system partition, writes systemd-boot entries for them and selects
which snapshot boots.

SNAPSHOT is a snapshot number; it defaults to the running snapshot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "config file (default /etc/snapboot/snapboot.yaml)")
	pf.StringVar(&g.esp, "esp", "", "mount point of the EFI system partition")
	pf.StringVar(&g.entryToken, "entry-token", "", "entry token: machine-id, os-id, os-image, auto or a literal token")
	pf.StringVar(&g.arch, "arch", "", "EFI architecture, e.g. x64 or aa64")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	// run sets up the environment, calls fn and always cleans up.
	run := func(fn func(e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return fmt.Errorf("cannot load configuration: %w", err)
			}
			g.apply(cmd, cfg)
			logging.Init(cfg.LogFormat, cfg.LogLevel, cmd.ErrOrStderr())

			vols := btrfs.New(cfg.Root, cfg.SnapshotsDir, cfg.SubvolPrefix)
			m, err := newManager(sdbootmgr.Options{
				ESP:                   cfg.ESPPath,
				Root:                  cfg.Root,
				EntryToken:            cfg.EntryToken,
				Arch:                  cfg.Arch,
				CmdlineFile:           cfg.CmdlineFile,
				RequireReadOnlyParent: cfg.RequireReadOnlyParent,
				Volumes:               vols,
			})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := m.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()
			return fn(&env{cfg: cfg, volumes: vols, manager: m, out: cmd.OutOrStdout()}, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "add-kernel VERSION [SNAPSHOT]",
			Short: "Install a kernel of a snapshot and its boot entry",
			Args:  cobra.RangeArgs(1, 2),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 1)
				if err != nil {
					return err
				}
				id, err := e.manager.InstallKernel(snap, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(e.out, id)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "add-all-kernels [SNAPSHOT]",
			Short: "Install all kernels of a snapshot",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				ids, err := e.manager.InstallAllKernels(snap)
				for _, id := range ids {
					fmt.Fprintln(e.out, id)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "remove-kernel VERSION [SNAPSHOT]",
			Short: "Remove the boot entry of a kernel of a snapshot",
			Args:  cobra.RangeArgs(1, 2),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 1)
				if err != nil {
					return err
				}
				return e.manager.RemoveKernel(snap, args[0])
			}),
		},
		&cobra.Command{
			Use:   "remove-all-kernels [SNAPSHOT]",
			Short: "Remove all boot entries of a snapshot",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				return e.manager.RemoveAllKernels(snap)
			}),
		},
		&cobra.Command{
			Use:   "set-default-snapshot [SNAPSHOT]",
			Short: "Boot a snapshot by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				id, err := e.manager.SetDefaultSnapshot(snap)
				if id != "" {
					fmt.Fprintln(e.out, id)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "set-oneshot-snapshot [SNAPSHOT]",
			Short: "Boot a snapshot on the next boot only",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				id, err := e.manager.SetOneshotSnapshot(snap)
				if id != "" {
					fmt.Fprintln(e.out, id)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "list-kernels [SNAPSHOT]",
			Short: "Show which kernels of a snapshot are installed",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				status, err := e.manager.KernelStatus(snap)
				if err != nil {
					return err
				}
				printKernelStatus(e.out, status)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list-entries [SNAPSHOT]",
			Short: "Show the boot entries of a snapshot",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(e *env, args []string) error {
				snap, err := e.snapshot(args, 0)
				if err != nil {
					return err
				}
				entries, err := e.manager.SnapshotEntries(snap)
				if err != nil {
					return err
				}
				printEntries(e.out, entries)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "unlink ID",
			Short: "Remove a boot entry",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(e *env, args []string) error {
				return e.manager.BootManager().Unlink(args[0])
			}),
		},
		&cobra.Command{
			Use:   "install",
			Short: "Install systemd-boot, and shim if available, onto the ESP",
			Args:  cobra.NoArgs,
			RunE: run(func(e *env, args []string) error {
				updated, err := e.manager.Install(sdbootmgr.LoaderSources{
					LoaderDir: e.cfg.LoaderDir,
					ShimDir:   e.cfg.ShimDir,
					Vendor:    e.cfg.Vendor,
				})
				if err != nil {
					return err
				}
				if updated {
					fmt.Fprintln(e.out, "Updated boot loader")
				}
				return nil
			}),
		},
	)

	return root
}

func printKernelStatus(w io.Writer, status map[string]sdbootmgr.KernelState) {
	paths := make([]string, 0, len(status))
	for p := range status {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "%s\t%s\t%s\n", path.Base(path.Dir(p)), status[p], p)
	}
}

func printEntries(w io.Writer, entries []sdbootmgr.BootEntry) {
	for _, e := range entries {
		mark := " "
		if e.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\t%s\n", mark, e.ID, e.Title)
	}
}
