package main

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/plthook"
	"github.com/sliverarmory/plthook/internal/loader"
)

var (
	callExport string
	hookSpecs  []string
)

var runCmd = &cobra.Command{
	Use:   "run <shared library>",
	Short: "Load a shared library from memory, hook its imports and call an export",
	Long: `Load a shared library from memory, point some of its imports at its own
exports, then call an exported function. Each --hook takes the form
import=export, where import may carry a version as name@VERSION.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		module, err := loader.LoadFile(args[0])
		if err != nil {
			return err
		}
		defer module.Free()

		entry, err := module.Symbol(callExport)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", callExport, err)
		}
		img, err := plthook.OpenImageAt(entry)
		if err != nil {
			return err
		}

		engine, err := plthook.NewEngine(plthook.WithLogger(log.StandardLogger()))
		if err != nil {
			return err
		}
		defer func() {
			if err := engine.Close(); err != nil {
				log.WithError(err).Warn("restoring hooked slots")
			}
		}()

		for _, spec := range hookSpecs {
			symbol, export, ok := strings.Cut(spec, "=")
			if !ok || symbol == "" || export == "" {
				return fmt.Errorf("invalid --hook %q, want import=export", spec)
			}
			replacement, err := module.Symbol(export)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", export, err)
			}
			h, err := engine.Hook(img, symbol, replacement)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"symbol": h.Symbol,
				"slots":  len(h.Slots()),
			}).Info("hooked")
		}

		if _, err := loader.Call(entry); err != nil {
			return fmt.Errorf("call %q: %w", callExport, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&callExport, "call-export", "StartW", "Entry symbol to resolve in the shared library")
	runCmd.Flags().StringArrayVar(&hookSpecs, "hook", nil, "Hook an import with an export of the same library (import=export)")
}
