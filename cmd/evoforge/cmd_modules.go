package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect installed capability modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listModules()
	},
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listModules()
	},
}

var modulesDescribeCmd = &cobra.Command{
	Use:   "describe <module_id>",
	Short: "Run a module's Describe entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		handle, err := rt.registry.Acquire(args[0])
		if err != nil {
			return err
		}
		desc, err := handle.Describe(ctx)
		if err != nil {
			return err
		}
		fmt.Println(desc)
		return nil
	},
}

var modulesRemoveCmd = &cobra.Command{
	Use:   "remove <module_id>",
	Short: "Unregister a module from dispatch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.registry.Unregister(args[0]); err != nil {
			return err
		}
		fmt.Printf("unregistered %s\n", args[0])
		return nil
	},
}

func listModules() error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	snapshot := rt.registry.Snapshot()
	if len(snapshot) == 0 {
		fmt.Println("no modules installed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tVERSION\tCAPABILITIES\tDIR")
	for _, entry := range snapshot {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.Manifest.ModuleID,
			entry.Manifest.Version,
			strings.Join(entry.Manifest.Capabilities, ","),
			entry.ModuleDir)
	}
	return w.Flush()
}

func init() {
	modulesCmd.AddCommand(modulesListCmd, modulesDescribeCmd, modulesRemoveCmd)
	rootCmd.AddCommand(modulesCmd)
}
