package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/plthook/elfimage"
	"github.com/sliverarmory/plthook/procmaps"
	"github.com/sliverarmory/plthook/resolver"
)

var (
	slotVersion string
	mapsPID     string
)

var importsCmd = &cobra.Command{
	Use:   "imports <shared library>",
	Short: "List every GOT slot the library imports a symbol through",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dyn, err := openDynamic(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tKIND\tTABLE\tSYMBOL")
		for slot, err := range resolver.Imports(dyn) {
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%#x\t%s\t%s\t%s\n", slot.Vaddr, slot.Kind, slot.Table.Name(), symbolName(slot.Symbol))
		}
		return w.Flush()
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots <shared library> <symbol[@version]>",
	Short: "Show the slots a hook on symbol would write",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dyn, err := openDynamic(args[0])
		if err != nil {
			return err
		}
		res, err := resolver.Find(dyn, args[1], slotVersion)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Ambiguous {
			fmt.Fprintf(out, "# %s is also imported as version %s\n", res.Name, strings.Join(res.Skipped, ", "))
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tKIND\tTABLE\tTYPE")
		spec := dyn.Image().Arch
		for _, slot := range res.Slots {
			fmt.Fprintf(w, "%#x\t%s\t%s\t%s\n", slot.Vaddr, slot.Kind, slot.Table.Name(), spec.RelocName(slot.Reloc.Type))
		}
		return w.Flush()
	},
}

var mapsCmd = &cobra.Command{
	Use:   "maps [filter]",
	Short: "List the mappings that hold an ELF header",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := procmaps.Scan(mapsPID)
		if err != nil {
			return err
		}
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tPERMS\tOFFSET\tDEV:INODE\tPATH")
		for _, m := range entries {
			if !m.Named() || m.Offset != 0 || !strings.Contains(m.Path, filter) {
				continue
			}
			fmt.Fprintf(w, "%#x\t%#x\t%s\t%#x\t%d:%d\t%s\n", m.Start, m.End, m.Perms(), m.Offset, m.Dev, m.Inode, m.Path)
		}
		return w.Flush()
	},
}

func openDynamic(path string) (*elfimage.DynamicInfo, error) {
	img, err := elfimage.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return img.Dynamic()
}

func symbolName(sym elfimage.Symbol) string {
	if sym.Version == "" {
		return sym.Name
	}
	return sym.Name + "@" + sym.Version
}

func init() {
	slotsCmd.Flags().StringVar(&slotVersion, "version", "", "Only match the symbol imported under this version")
	mapsCmd.Flags().StringVar(&mapsPID, "pid", "self", "Process whose mappings to list")
}
