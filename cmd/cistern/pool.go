package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/storage"
)

// Pool management commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage storage pools",
	Long: `Manage storage pools.

A pool is a container for storage volumes: a directory, a mounted
filesystem, a volume group. Pools defined here persist across invocations;
pools created with 'pool create' are transient and disappear when stopped.`,
}

var (
	poolListInactive  bool
	poolListAutostart bool
	buildOverwrite    bool
	buildNoOverwrite  bool
	poolDeleteZeroed  bool
	autostartDisable  bool
)

func init() {
	poolListCmd.Flags().BoolVar(&poolListInactive, "inactive", false, "List only inactive pools")
	poolListCmd.Flags().BoolVar(&poolListAutostart, "autostart", false, "List only autostart pools")
	poolBuildCmd.Flags().BoolVar(&buildOverwrite, "overwrite", false, "Overwrite existing data")
	poolBuildCmd.Flags().BoolVar(&buildNoOverwrite, "no-overwrite", false, "Fail if data is present")
	poolDeleteCmd.Flags().BoolVar(&poolDeleteZeroed, "zeroed", false, "Zero data before deleting")
	poolAutostartCmd.Flags().BoolVar(&autostartDisable, "disable", false, "Disable autostart instead")

	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolInfoCmd)
	poolCmd.AddCommand(poolDumpXMLCmd)
	poolCmd.AddCommand(poolDefineCmd)
	poolCmd.AddCommand(poolCreateCmd)
	poolCmd.AddCommand(poolBuildCmd)
	poolCmd.AddCommand(poolStartCmd)
	poolCmd.AddCommand(poolStopCmd)
	poolCmd.AddCommand(poolRefreshCmd)
	poolCmd.AddCommand(poolDeleteCmd)
	poolCmd.AddCommand(poolUndefineCmd)
	poolCmd.AddCommand(poolAutostartCmd)
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags storage.ListFlags
		if poolListInactive {
			flags |= storage.ListInactive
		}
		if poolListAutostart {
			flags |= storage.ListAutostart
		}

		f, err := newFormatter()
		if err != nil {
			return err
		}
		out, err := f.FormatPoolList(d.ListPools(flags))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var poolInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed information about a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		info, err := d.PoolInfo(args[0])
		if err != nil {
			return err
		}

		f, err := newFormatter()
		if err != nil {
			return err
		}
		out, err := f.FormatPool(info)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var poolDumpXMLCmd = &cobra.Command{
	Use:   "dumpxml <name>",
	Short: "Print a pool's XML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		xml, err := d.PoolXML(args[0])
		if err != nil {
			return err
		}
		fmt.Println(xml)
		return nil
	},
}

var poolDefineCmd = &cobra.Command{
	Use:   "define <pool.xml>",
	Short: "Define a persistent pool from an XML file",
	Long: `Define a persistent storage pool from an XML definition file
without starting it. The definition is written to the state directory and
survives across invocations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		info, err := d.DefinePool(string(xml))
		if err != nil {
			return err
		}
		fmt.Printf("Pool %s defined\n", info.Name)
		return nil
	},
}

var poolCreateCmd = &cobra.Command{
	Use:   "create <pool.xml>",
	Short: "Create and start a transient pool from an XML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		info, err := d.CreatePool(string(xml))
		if err != nil {
			return err
		}
		fmt.Printf("Pool %s created\n", info.Name)
		return nil
	},
}

var poolBuildCmd = &cobra.Command{
	Use:   "build <name>",
	Short: "Provision a pool's underlying storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags backend.BuildFlags
		if buildOverwrite {
			flags |= backend.BuildOverwrite
		}
		if buildNoOverwrite {
			flags |= backend.BuildNoOverwrite
		}

		if err := d.BuildPool(args[0], flags); err != nil {
			return err
		}
		fmt.Printf("Pool %s built\n", args[0])
		return nil
	},
}

var poolStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a defined pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.StartPool(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pool %s started\n", args[0])
		return nil
	},
}

var poolStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an active pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.StopPool(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pool %s stopped\n", args[0])
		return nil
	},
}

var poolRefreshCmd = &cobra.Command{
	Use:   "refresh <name>",
	Short: "Rescan an active pool's contents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.RefreshPool(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pool %s refreshed\n", args[0])
		return nil
	},
}

var poolDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a pool's underlying storage",
	Long: `Delete the underlying storage of an inactive pool. The pool's
definition remains; use 'pool undefine' to remove it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags backend.DeleteFlags
		if poolDeleteZeroed {
			flags |= backend.DeleteZeroed
		}

		if err := d.DeletePool(args[0], flags); err != nil {
			return err
		}
		fmt.Printf("Pool %s deleted\n", args[0])
		return nil
	},
}

var poolUndefineCmd = &cobra.Command{
	Use:   "undefine <name>",
	Short: "Remove an inactive pool's definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.UndefinePool(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pool %s undefined\n", args[0])
		return nil
	},
}

var poolAutostartCmd = &cobra.Command{
	Use:   "autostart <name>",
	Short: "Mark a pool to start automatically",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.SetAutostart(args[0], !autostartDisable); err != nil {
			return err
		}
		if autostartDisable {
			fmt.Printf("Pool %s unmarked as autostarted\n", args[0])
		} else {
			fmt.Printf("Pool %s marked as autostarted\n", args[0])
		}
		return nil
	},
}
