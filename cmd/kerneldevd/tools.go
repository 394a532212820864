package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/kernellab/kdevd/pkg/mcptools"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the MCP tool catalog kerneldevd exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		vmBinary, _ := cmd.Flags().GetString("vm-binary")

		deps, err := buildDeps(vmBinary)
		if err != nil {
			return fmt.Errorf("failed to build dependencies: %w", err)
		}
		catalog := mcptools.Build(deps)

		if asJSON {
			return printToolsJSON(catalog)
		}
		printToolsHuman(catalog)
		return nil
	},
}

func init() {
	toolsCmd.Flags().Bool("json", false, "Print the catalog as JSON instead of a formatted list")
	toolsCmd.Flags().String("vm-binary", "vng", "VM binary the catalog resolves for boot/fstests tools")
}

func printToolsHuman(catalog []mcptools.Tool) {
	bold := color.New(color.Bold)
	for _, tool := range catalog {
		bold.Printf("%s\n", tool.Name)
		fmt.Printf("  %s\n", tool.Description)
	}
}

func printToolsJSON(catalog []mcptools.Tool) error {
	type entry struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}
	out := make([]entry, 0, len(catalog))
	for _, tool := range catalog {
		out = append(out, entry{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
