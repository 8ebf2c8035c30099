package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/loaders"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb/elfdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/tracedoc"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newKernelsCmd() *cobra.Command {
	var (
		target string
		asm    bool
	)
	cmd := &cobra.Command{
		Use:   "kernels FILE...",
		Short: "List the kernels of code objects, bundles or host binaries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db := elfdb.New(target)
			for _, path := range args {
				if err := db.AddFile(path, hsa.Agent{}, ""); err != nil {
					return err
				}
			}
			return dumpKernels(cmd.OutOrStdout(), db, asm)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only load code objects built for this processor, e.g. gfx90a")
	cmd.Flags().BoolVar(&asm, "asm", false, "print the instructions of every source line")
	return cmd
}

func dumpKernels(w io.Writer, db symdb.Database, asm bool) error {
	for _, name := range db.Kernels() {
		lines, err := db.KernelLines(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (%d lines)\n", name, len(lines))
		if !asm {
			continue
		}

		seen := make(map[uint32]bool, len(lines))
		for _, line := range lines {
			if seen[line] {
				continue
			}
			seen[line] = true
			insts, err := db.InstructionsForLine(name, line)
			if err != nil {
				return err
			}
			for _, inst := range insts {
				fmt.Fprintf(w, "\t%s:%d\t%s\n", inst.FileName, line, inst.Disassembly)
			}
		}
	}
	return nil
}

func newShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show TRACE",
		Short: "Print a kernel source trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := tracedoc.Load(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(doc, "", "    ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			showDocument(cmd.OutOrStdout(), doc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the document as JSON")
	return cmd
}

func showDocument(w io.Writer, doc *tracedoc.Document) {
	for _, name := range doc.Names() {
		k, _ := doc.Kernel(name)
		fmt.Fprintf(w, "%s\n", k.Signature)
		for i, line := range k.Lines {
			fmt.Fprintf(w, "  %s:%d\t%s\n", k.Files[i], line, k.Hip[i])
		}
		fmt.Fprintf(w, "  %d instructions\n", len(k.Assembly))
	}
}

func newProbeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Count runtime entry point calls system wide with uprobes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			if cfg.StatsInterval <= 0 {
				cfg.StatsInterval = 5 * time.Second
			}
			return runProbe(cmd, cfg)
		},
	}
	cmd.Flags().String(config.KeyProbeLibrary, config.DefaultProbeLibrary, "runtime library to attach to")
	cmd.Flags().Duration(config.KeyStatsInterval, 5*time.Second, "sampling interval")
	_ = v.BindPFlag(config.KeyProbeLibrary, cmd.Flags().Lookup(config.KeyProbeLibrary))
	_ = v.BindPFlag(config.KeyStatsInterval, cmd.Flags().Lookup(config.KeyStatsInterval))
	return cmd
}

func runProbe(cmd *cobra.Command, cfg *config.Config) error {
	logger := logutil.GetLogger()
	ctx := cmd.Context()

	ld, err := loaders.NewProbeLoaders(types.LoaderRuntimeCalls, cfg)
	if err != nil {
		logger.Error("error to load probe", zap.String("program", types.LoaderRuntimeCalls), zap.Error(err))
		return err
	}
	defer ld.Close()
	logger.Info("Loaded probe", zap.String("library", cfg.ProbeLibrary))

	for counts := range ld.Run(ctx, cfg.StatsInterval) {
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		fields := make([]zap.Field, 0, len(names))
		for _, name := range names {
			fields = append(fields, zap.Uint64(name, counts[name]))
		}
		logger.Info("Runtime calls", fields...)
	}
	logger.Info("Probe finished running")
	return nil
}
