// Package audio lists Pulse input sources and records dictation audio for
// cloud transcription.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	SampleRate = 16000
	Channels   = 1

	// bytesPerMillisecond is 16 kHz mono s16.
	bytesPerMillisecond = SampleRate * Channels * 2 / 1000
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved source plus a warning when a fallback was used.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("caseform"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns the Pulse input sources, flagging the server default.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	def, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	var reply pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(reply))
	for _, info := range reply {
		if info != nil {
			devices = append(devices, deviceFromInfo(info, def.ID()))
		}
	}
	return devices, nil
}

func deviceFromInfo(info *pulseproto.GetSourceInfoReply, defaultID string) Device {
	return Device{
		ID:          info.SourceName,
		Description: info.Device,
		State:       sourceStateString(info.State),
		Available:   sourceAvailable(info),
		Muted:       info.Mute,
		Default:     info.SourceName == defaultID,
	}
}

// SelectDevice resolves the configured input and fallback against live sources.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDevice(devices, input, fallback)
}

// selectDevice prefers input (or the default source), then fallback, and
// refuses muted or unavailable sources.
func selectDevice(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	input = normalizeTerm(input)
	fallback = normalizeTerm(fallback)

	primary, err := findDevice(devices, input)
	if err != nil {
		return Selection{}, fmt.Errorf("audio.input: %w", err)
	}
	if usable(primary) {
		return Selection{Device: primary}, nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}

	alternate, err := findDevice(devices, fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("input %q is %s and audio.fallback: %w", primary.ID, reason, err)
	}
	if !alternate.Available {
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", alternate.ID)
	}
	if alternate.Muted {
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", alternate.ID)
	}

	return Selection{
		Device:   alternate,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, reason, alternate.ID),
		Fallback: alternate.ID != primary.ID,
	}, nil
}

// findDevice matches term against ids and descriptions; "" selects the default source.
func findDevice(devices []Device, term string) (Device, error) {
	if term == "" {
		for _, device := range devices {
			if device.Default {
				return device, nil
			}
		}
		return Device{}, errors.New("default audio source is unavailable")
	}
	for _, device := range devices {
		if deviceMatches(device, term) {
			return device, nil
		}
	}
	return Device{}, fmt.Errorf("%q did not match any device", term)
}

func normalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "default" {
		return ""
	}
	return term
}

func usable(device Device) bool {
	return device.Available && !device.Muted
}

func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

var sourceStates = [...]string{"running", "idle", "suspended"}

func sourceStateString(state uint32) string {
	if int(state) < len(sourceStates) {
		return sourceStates[state]
	}
	return fmt.Sprintf("unknown(%d)", state)
}

// sourceAvailable reads the active port's availability (unknown=0, no=1, yes=2).
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	for _, port := range source.Ports {
		if port.Name == source.ActivePortName {
			return port.Available != 1
		}
	}
	return true
}
