package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cuemby/perimeter/pkg/api"
	"github.com/cuemby/perimeter/pkg/client"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/spf13/cobra"
)

// Geofence commands
var geofenceCmd = &cobra.Command{
	Use:     "geofence",
	Aliases: []string{"geofences", "site"},
	Short:   "Inspect geofences",
}

var geofenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored geofences",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		fences, err := c.ListGeofences()
		if err != nil {
			return fmt.Errorf("failed to list geofences: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tNAME\tCENTER\tRADIUS\tACTIVE")
		for _, f := range fences {
			fmt.Fprintf(w, "%s\t%s\t%.6f,%.6f\t%.0f m\t%t\n", f.Code, f.Name, f.CenterLat, f.CenterLon, f.RadiusM, f.Active)
		}
		return w.Flush()
	},
}

var geofenceInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop the engine's cached geofence set",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.InvalidateGeofences(); err != nil {
			return fmt.Errorf("failed to invalidate geofences: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Geofence cache invalidated")
		return nil
	},
}

// Sample commands
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a location sample",
	Long: `Submit one location sample, as a tracking integration would.

Example:
  perimeter submit --user u-1 --lat 25.650648 --lon -100.373529 --accuracy 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sample := &types.LocationSample{Source: types.SampleSourceSynthetic}
		sample.ID, _ = cmd.Flags().GetString("id")
		sample.UserID, _ = cmd.Flags().GetString("user")
		sample.Latitude, _ = cmd.Flags().GetFloat64("lat")
		sample.Longitude, _ = cmd.Flags().GetFloat64("lon")
		sample.AccuracyM, _ = cmd.Flags().GetFloat64("accuracy")
		sample.BatteryPct, _ = cmd.Flags().GetFloat64("battery")

		sample.ObservedAt = time.Now().UTC()
		if at, _ := cmd.Flags().GetString("at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			sample.ObservedAt = t
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		res, err := c.SubmitSample(sample)
		if err != nil {
			return fmt.Errorf("failed to submit sample: %w", err)
		}

		out := cmd.OutOrStdout()
		switch {
		case !res.Created:
			fmt.Fprintf(out, "Sample %s already submitted\n", res.ID)
		case res.Queued:
			fmt.Fprintf(out, "✓ Sample %s accepted\n", res.ID)
		default:
			fmt.Fprintf(out, "✓ Sample %s stored, queue full; the sweep will process it\n", res.ID)
		}
		return nil
	},
}

// Stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show transition and delivery counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		stats, err := c.Stats(window)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Window:\t%s (since %s)\n", stats.Window, stats.Since.Format(time.RFC3339))
		fmt.Fprintf(w, "Transitions:\t%d (%d enter, %d exit)\n", stats.TotalEvents, stats.EnterEvents, stats.ExitEvents)
		fmt.Fprintf(w, "Users inside:\t%d\n", stats.UsersInside)
		fmt.Fprintf(w, "Pending deliveries:\t%d\n", stats.PendingDeliveries)
		fmt.Fprintf(w, "Failed deliveries:\t%d\n", stats.FailedDeliveries)
		return w.Flush()
	},
}

// Event commands
var eventsCmd = &cobra.Command{
	Use:     "events",
	Aliases: []string{"event"},
	Short:   "Inspect and re-deliver geofence events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter types.EventFilter
		filter.UserID, _ = cmd.Flags().GetString("user")
		filter.GeofenceCode, _ = cmd.Flags().GetString("geofence")
		status, _ := cmd.Flags().GetString("status")
		filter.Status = types.DeliveryStatus(status)
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		events, err := c.ListEvents(filter)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tGEOFENCE\tTYPE\tOCCURRED\tDELIVERY\tATTEMPTS")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				e.ID, e.UserID, e.GeofenceCode, e.EventType,
				e.OccurredAt.Format(time.RFC3339), e.DeliveryStatus, e.DeliveryAttempts)
		}
		return w.Flush()
	},
}

var eventsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		e, err := c.GetEvent(args[0])
		if err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", e.ID)
		fmt.Fprintf(w, "User:\t%s\n", e.UserID)
		fmt.Fprintf(w, "Geofence:\t%s (%s)\n", e.GeofenceCode, e.GeofenceName)
		fmt.Fprintf(w, "Type:\t%s\n", e.EventType)
		fmt.Fprintf(w, "Occurred:\t%s\n", e.OccurredAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Position:\t%.6f,%.6f (%.1f m from center)\n", e.Latitude, e.Longitude, e.DistanceM)
		fmt.Fprintf(w, "Delivery:\t%s after %d attempts\n", e.DeliveryStatus, e.DeliveryAttempts)
		if e.DeliveryError != "" {
			fmt.Fprintf(w, "Last error:\t%s\n", e.DeliveryError)
		}
		return w.Flush()
	},
}

var eventsRedispatchCmd = &cobra.Command{
	Use:   "redispatch ID",
	Short: "Deliver an event again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		result, err := c.Redispatch(args[0])
		if err != nil {
			return fmt.Errorf("failed to redispatch: %w", err)
		}

		out := cmd.OutOrStdout()
		switch {
		case result.AlreadySent:
			fmt.Fprintf(out, "Event %s was already delivered\n", args[0])
		case result.Delivered():
			fmt.Fprintf(out, "✓ Delivered to %d of %d recipients\n", result.Succeeded, result.Attempted)
		default:
			fmt.Fprintf(out, "✗ Delivery failed for all %d recipients\n", result.Attempted)
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  %s: %s\n", e.Recipient, e.Error)
			}
		}
		return nil
	},
}

// Health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the gRPC health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("grpc-addr")
		status, err := client.CheckGRPCHealth(context.Background(), addr, api.EngineService)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", api.EngineService, status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(geofenceCmd)
	geofenceCmd.AddCommand(geofenceListCmd)
	geofenceCmd.AddCommand(geofenceInvalidateCmd)

	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("id", "", "Sample ID (generated when empty)")
	submitCmd.Flags().String("user", "", "User ID (required)")
	submitCmd.Flags().Float64("lat", 0, "Latitude in degrees")
	submitCmd.Flags().Float64("lon", 0, "Longitude in degrees")
	submitCmd.Flags().Float64("accuracy", 0, "Reported accuracy in meters")
	submitCmd.Flags().Float64("battery", 0, "Battery percentage")
	submitCmd.Flags().String("at", "", "Observation time in RFC 3339 (default now)")
	_ = submitCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Duration("window", 0, "Aggregation window (default: the server's)")

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsGetCmd)
	eventsCmd.AddCommand(eventsRedispatchCmd)
	eventsListCmd.Flags().String("user", "", "Only events of this user")
	eventsListCmd.Flags().String("geofence", "", "Only events of this geofence code")
	eventsListCmd.Flags().String("status", "", "Delivery status (pending, sent, failed)")
	eventsListCmd.Flags().Duration("since", 0, "Only events younger than this")
	eventsListCmd.Flags().Int("limit", 50, "Maximum number of events")

	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc-addr", "127.0.0.1:8081", "Address of the gRPC health service")
}
