package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"capsync/config"
	"capsync/storage"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded device history",
	}

	var includeRemoved bool
	devices := &cobra.Command{
		Use:   "devices",
		Short: "List known devices",
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			rows, err := store.ListDevices(includeRemoved)
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), rows)
		}),
	}
	devices.Flags().BoolVar(&includeRemoved, "all", false, "Include removed devices")

	var transitionFilter storage.TransitionFilter
	transitions := &cobra.Command{
		Use:   "transitions",
		Short: "List state transitions, newest first",
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			rows, err := store.ListTransitions(transitionFilter)
			if err != nil {
				return err
			}
			return printTransitions(cmd.OutOrStdout(), rows)
		}),
	}
	transitions.Flags().StringVar(&transitionFilter.DeviceID, "device", "", "Only this device")
	transitions.Flags().IntVar(&transitionFilter.Limit, "limit", 50, "Maximum rows")

	var eventFilter storage.DeviceEventFilter
	deviceEvents := &cobra.Command{
		Use:   "events",
		Short: "List device events, newest first",
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			rows, err := store.GetDeviceEvents(eventFilter)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), rows)
		}),
	}
	deviceEvents.Flags().StringVar(&eventFilter.DeviceID, "device", "", "Only this device")
	deviceEvents.Flags().StringVar(&eventFilter.EventType, "type", "", "Only this event type")
	deviceEvents.Flags().StringVar(&eventFilter.Severity, "severity", "", "Only this severity (info, warning, critical)")
	deviceEvents.Flags().IntVar(&eventFilter.Limit, "limit", 50, "Maximum rows")

	var calibrationLimit int
	calibrations := &cobra.Command{
		Use:   "calibrations [session-id]",
		Short: "List calibration sessions, or show one with its per-device offsets",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			if len(args) == 1 {
				rec, err := store.GetCalibration(args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("calibration session %q not found", args[0])
				}
				if err != nil {
					return err
				}
				return printCalibration(cmd.OutOrStdout(), *rec)
			}
			rows, err := store.ListCalibrations(calibrationLimit)
			if err != nil {
				return err
			}
			return printCalibrations(cmd.OutOrStdout(), rows)
		}),
	}
	calibrations.Flags().IntVar(&calibrationLimit, "limit", 20, "Maximum rows")

	var validationLimit int
	validations := &cobra.Command{
		Use:   "validations",
		Short: "List validation reports",
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			rows, err := store.ListValidations(validationLimit)
			if err != nil {
				return err
			}
			return printValidations(cmd.OutOrStdout(), rows)
		}),
	}
	validations.Flags().IntVar(&validationLimit, "limit", 20, "Maximum rows")

	cmd.AddCommand(devices, transitions, deviceEvents, calibrations, validations)
	return cmd
}

func withStore(fn func(cmd *cobra.Command, store *storage.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		store, _, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05.000")
}

func printDevices(w io.Writer, rows []storage.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tNAME\tSTATE\tADDRESS\tVERSION\tMODALITIES\tLAST SEEN\tREMOVED")
	for _, d := range rows {
		addr := "-"
		if d.RemoteAddr != nil {
			addr = *d.RemoteAddr
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			d.DeviceID, d.DisplayName, d.State, addr, d.ProtocolVersion,
			strings.Join(d.Modalities, ","), formatMillis(d.LastSeen), d.Removed)
	}
	return tw.Flush()
}

func printTransitions(w io.Writer, rows []storage.Transition) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDEVICE\tFROM\tTO\tREASON")
	for _, t := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatMillis(t.Timestamp), t.DeviceID, t.FromState, t.ToState, t.Reason)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, rows []storage.DeviceEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tTYPE\tDEVICE\tDETAILS")
	for _, e := range rows {
		device := "-"
		if e.DeviceID != nil {
			device = *e.DeviceID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatMillis(e.Timestamp), e.Severity, e.EventType, device, e.Details)
	}
	return tw.Flush()
}

func printCalibrations(w io.Writer, rows []storage.CalibrationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tKIND\tSTARTED\tDEVICES\tAVG SYNC ERROR\tTHRESHOLD\tPASSED")
	for _, c := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			c.SessionID, c.Kind, formatMillis(c.StartedAt), c.DeviceCount, c.AverageSyncError, c.Threshold, c.Passed)
	}
	return tw.Flush()
}

func printCalibration(w io.Writer, c storage.CalibrationRecord) error {
	fmt.Fprintf(w, "session:   %s (%s)\n", c.SessionID, c.Kind)
	fmt.Fprintf(w, "window:    %s .. %s\n", formatMillis(c.StartedAt), formatMillis(c.EndedAt))
	fmt.Fprintf(w, "sync err:  %s (threshold %s, %d snapshots)\n", c.AverageSyncError, c.Threshold, c.SnapshotCount)
	fmt.Fprintf(w, "passed:    %t\n", c.Passed)
	if c.Failure != "" {
		fmt.Fprintf(w, "failure:   %s\n", c.Failure)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tOFFSET\tMEAN RTT\tMIN RTT\tJITTER\tACCEPTED\tREJECTED\tLOST")
	for _, o := range c.Offsets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			o.DeviceID, o.MedianOffset, o.MeanRoundTrip, o.MinRoundTrip, o.Jitter, o.Accepted, o.Rejected, o.Lost)
	}
	return tw.Flush()
}

func printValidations(w io.Writer, rows []storage.ValidationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORT\tLEVEL\tSTARTED\tENDED\tPASSED")
	for _, v := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", v.ReportID, v.Level, formatMillis(v.StartedAt), formatMillis(v.EndedAt), v.Passed)
	}
	return tw.Flush()
}
