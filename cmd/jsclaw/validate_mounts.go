package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jsclaw/jsclaw/pkg/mount"
	"github.com/jsclaw/jsclaw/pkg/types"
	"github.com/spf13/cobra"
)

var validateMountsCmd = &cobra.Command{
	Use:   "validate-mounts",
	Short: "Check a mount request against a mount allowlist",
	Long: `Reads a JSON array of mounts from -f and checks each one against
the allowlist at --allowlist, printing the result and exiting non-zero
if any mount is rejected. Useful for checking a group's mount
configuration before it is handed to run_agent.`,
	RunE: runValidateMounts,
}

func init() {
	validateMountsCmd.Flags().StringP("file", "f", "", "Path to a JSON file containing an array of mounts (required)")
	validateMountsCmd.Flags().String("allowlist", "", "Path to the mount allowlist JSON file (required)")
	validateMountsCmd.Flags().String("group", "", "Group folder name, for logging context")
	validateMountsCmd.Flags().Bool("main", false, "Treat the group as the main group")
	validateMountsCmd.MarkFlagRequired("file")
	validateMountsCmd.MarkFlagRequired("allowlist")
}

func runValidateMounts(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	allowlistPath, _ := cmd.Flags().GetString("allowlist")
	group, _ := cmd.Flags().GetString("group")
	isMain, _ := cmd.Flags().GetBool("main")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading mounts file: %w", err)
	}

	var mounts []types.Mount
	if err := json.Unmarshal(data, &mounts); err != nil {
		return fmt.Errorf("parsing mounts file: %w", err)
	}

	result := mount.ValidateMounts(mounts, group, isMain, allowlistPath)
	if result.Valid {
		fmt.Println("OK: all mounts permitted")
		return nil
	}

	fmt.Fprintln(os.Stderr, "REJECTED:")
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
	return fmt.Errorf("%d mount(s) rejected", len(result.Errors))
}
