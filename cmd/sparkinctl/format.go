package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/skobkin/sparkin/internal/app"
	"github.com/skobkin/sparkin/internal/bluetoothutil"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/enroll"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/persistence"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/update"
)

func printDeviceInfo(out io.Writer, info devicelink.DeviceInfo, battery int) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "device id:\t%s\n", info.DeviceID)
	_, _ = fmt.Fprintf(tw, "firmware:\t%s\n", info.FirmwareVersion)
	_, _ = fmt.Fprintf(tw, "build date:\t%s\n", info.BuildDate)
	_, _ = fmt.Fprintf(tw, "sleep timeout:\t%s\n", formatSleep(info.SleepTimeout))
	_, _ = fmt.Fprintf(tw, "battery:\t%s\n", formatBattery(battery))
	_ = tw.Flush()
}

func formatBattery(level int) string {
	if level < 0 {
		return "unknown"
	}

	return fmt.Sprintf("%d%%", level)
}

func formatSleep(seconds uint32) string {
	if seconds == 0 {
		return "never"
	}

	return (time.Duration(seconds) * time.Second).String()
}

func slotByIndex(list []slots.Slot, index uint8) (slots.Slot, bool) {
	for _, s := range list {
		if s.Index == index {
			return s, true
		}
	}

	return slots.Slot{}, false
}

func printSlots(out io.Writer, list []slots.Slot) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "no fingers enrolled")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLOT\tNAME")
	for _, s := range list {
		_, _ = fmt.Fprintf(tw, "%d\t%s\n", int(s.Index)+1, s.Name)
	}
	_ = tw.Flush()
}

func printEnrollEvent(out io.Writer, ev enroll.Event) {
	switch ev.Kind {
	case enroll.EventHint:
		_, _ = fmt.Fprintln(out, "lift and place your finger again")
	case enroll.EventStepAdvanced:
		_, _ = fmt.Fprintf(out, "captured %d/%d\n", ev.Step, ev.TotalSteps)
	case enroll.EventRetake:
		_, _ = fmt.Fprintln(out, "capture failed, try again")
	case enroll.EventSucceeded:
		_, _ = fmt.Fprintln(out, "fingerprint accepted")
	case enroll.EventCountdown:
		_, _ = fmt.Fprintf(out, "saving in %d\n", ev.Remaining)
	case enroll.EventCompleted:
		_, _ = fmt.Fprintf(out, "slot %d saved\n", int(ev.Slot)+1)
	case enroll.EventFailed:
		_, _ = fmt.Fprintln(out, "device rejected the enrollment")
	case enroll.EventCancelled:
		_, _ = fmt.Fprintln(out, "enrollment cancelled")
	}
}

func printScan(out io.Writer, devices []bluetoothutil.ScanDevice, all bool) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ADDRESS\tRSSI\tNAME")
	shown := 0
	for _, d := range devices {
		if !d.Sparkin && !all {
			continue
		}
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Address, d.RSSI, name)
		shown++
	}
	_ = tw.Flush()
	if shown == 0 {
		_, _ = fmt.Fprintln(out, "no sensors found")
		return
	}
	_, _ = fmt.Fprintf(out, "pair with: %s pair bluetooth:ADDRESS\n", app.ControlName)
}

func printPairing(out io.Writer, p events.PairingChange) {
	if !p.Paired {
		if p.Target != "" {
			_, _ = fmt.Fprintf(out, "not paired (was %s)\n", p.Target)
			return
		}
		_, _ = fmt.Fprintln(out, "not paired")
		return
	}
	name := p.Name
	if name == "" {
		name = "device"
	}
	_, _ = fmt.Fprintf(out, "paired with %s at %s\n", name, p.Target)
}

func printSnapshot(out io.Writer, snap update.Snapshot) {
	if !snap.UpdateAvailable {
		_, _ = fmt.Fprintf(out, "%s %s is up to date\n", snap.Kind, snap.CurrentVersion)
		return
	}
	_, _ = fmt.Fprintf(out, "%s update available: %s -> %s\n", snap.Kind, snap.CurrentVersion, snap.Manifest.Version)
	if desc := strings.TrimSpace(snap.Manifest.Description); desc != "" {
		_, _ = fmt.Fprintln(out, desc)
	}
}

// progressPrinter prints each 10% step once.
func progressPrinter(out io.Writer, label string) func(int) {
	var mu sync.Mutex
	last := -1

	return func(percent int) {
		mu.Lock()
		defer mu.Unlock()
		step := percent / 10
		if step <= last {
			return
		}
		last = step
		_, _ = fmt.Fprintf(out, "%s %d%%\n", label, percent)
	}
}

func printHistory(out io.Writer, records []persistence.UpdateRecord) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "no firmware updates recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tRESULT\tPHASE\tBYTES\tREASON")
	for _, r := range records {
		result := "failed"
		if r.Success {
			result = "ok"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), result, r.Phase, r.SentBytes, r.TotalBytes, r.Reason)
	}
	_ = tw.Flush()
}

// formatEvent renders one bus event for watch. Unknown payloads are skipped.
func formatEvent(raw any) string {
	ts := time.Now().Format(time.TimeOnly)
	switch ev := raw.(type) {
	case events.ConnectionStatus:
		return ts + " link " + app.FormatConnectionStatus(ev)
	case devicelink.DeviceInfo:
		return fmt.Sprintf("%s info id=%s firmware=%s", ts, ev.DeviceID, ev.FirmwareVersion)
	case []slots.Slot:
		names := make([]string, 0, len(ev))
		for _, s := range ev {
			names = append(names, fmt.Sprintf("%d:%s", int(s.Index)+1, s.Name))
		}
		return fmt.Sprintf("%s slots [%s]", ts, strings.Join(names, ", "))
	case events.LockScreenChange:
		if ev.Locked {
			return ts + " session locked"
		}
		return ts + " session unlocked"
	case devicelink.Frame:
		return fmt.Sprintf("%s frame %s", ts, ev)
	case events.PairingChange:
		return fmt.Sprintf("%s pairing paired=%t target=%s", ts, ev.Paired, ev.Target)
	case events.FirmwareProgress:
		if ev.Done {
			return fmt.Sprintf("%s firmware done success=%t %s", ts, ev.Success, ev.Reason)
		}
		return fmt.Sprintf("%s firmware %d%%", ts, ev.Percent)
	case enroll.Event:
		return fmt.Sprintf("%s enroll slot=%d %s", ts, int(ev.Slot)+1, ev.Kind)
	case update.Snapshot:
		if !ev.UpdateAvailable {
			return fmt.Sprintf("%s %s %s is up to date", ts, ev.Kind, ev.CurrentVersion)
		}
		return fmt.Sprintf("%s %s update available: %s", ts, ev.Kind, ev.Manifest.Version)
	case events.ServiceError:
		return ts + " service error: " + ev.Message
	default:
		return ""
	}
}
