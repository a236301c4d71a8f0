package main

import (
	"fmt"
	"strings"

	"github.com/cuemby/perimeter/pkg/client"
	"github.com/cuemby/perimeter/pkg/geofence"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a geofence manifest",
	Long: `Apply a GeofenceSet manifest to a running engine.

Examples:
  # Create or update the sites in sites.yaml
  perimeter apply -f sites.yaml

  # Also delete every stored site missing from the manifest
  perimeter apply -f sites.yaml --prune`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply (required)")
	applyCmd.Flags().Bool("prune", false, "Delete stored geofences missing from the manifest")
	applyCmd.Flags().Bool("dry-run", false, "Validate the manifest without applying it")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	manifest, err := geofence.LoadManifest(filename)
	if err != nil {
		return err
	}
	prune := manifest.Prune
	if cmd.Flags().Changed("prune") {
		prune, _ = cmd.Flags().GetBool("prune")
	}

	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintf(out, "✓ %s is valid: %d geofences (prune=%t)\n", filename, len(manifest.Geofences), prune)
		return nil
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.ApplyGeofences(manifest.Definitions(), prune)
	if err != nil {
		return fmt.Errorf("failed to apply geofences: %w", err)
	}

	printCodes := func(label string, codes []string) {
		if len(codes) > 0 {
			fmt.Fprintf(out, "  %-10s %s\n", label+":", strings.Join(codes, ", "))
		}
	}
	fmt.Fprintf(out, "✓ Applied %s\n", filename)
	printCodes("created", res.Created)
	printCodes("updated", res.Updated)
	printCodes("unchanged", res.Unchanged)
	printCodes("deleted", res.Deleted)
	return nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
