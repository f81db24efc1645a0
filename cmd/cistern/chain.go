package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/cistern/internal/chain"
	"github.com/jbweber/cistern/internal/conf"
)

var (
	chainFormat  string
	chainNoProbe bool
)

func init() {
	chainCmd.Flags().StringVar(&chainFormat, "format", "auto",
		"Format of the leaf image: auto, raw, or qcow2")
	chainCmd.Flags().BoolVar(&chainNoProbe, "no-probe", false,
		"Treat backing files with no declared format as raw instead of probing them")
}

var chainCmd = &cobra.Command{
	Use:   "chain <image>",
	Short: "Resolve a disk image's backing-file chain",
	Long: `Walk the chain of parent images a copy-on-write image depends on
and print one line per link. Resolution stops at the last readable image;
a chain that loops back on itself is an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := &chain.Source{
			Path:   args[0],
			Format: conf.VolumeFormat(chainFormat),
		}
		if err := chain.Resolve(chain.LocalBackend{}, src, !chainNoProbe); err != nil {
			return err
		}

		for c := src; c != nil; c = c.Backing {
			fmt.Printf("%s (%s)\n", c.Path, c.Format)
		}
		return nil
	},
}
