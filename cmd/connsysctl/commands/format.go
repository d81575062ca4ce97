package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/bmwcarit/ramses-connsys/internal/control"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatParticipants renders a slice of participants in the requested format.
func formatParticipants(participants []control.Participant, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndentJSON(participants)
	case formatYAML:
		return marshalYAML(participants)
	case formatTable:
		return formatParticipantsTable(participants), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatParticipant renders a single participant in the requested format.
func formatParticipant(p control.Participant, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndentJSON(p)
	case formatYAML:
		return marshalYAML(p)
	case formatTable:
		return formatParticipantDetail(p), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatParticipantsTable(participants []control.Participant) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tIID\tENGINE\tROLE\tSTATE\tSESSION\tCONNECTED")

	for _, p := range participants {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%v\n",
			p.PID, p.IID, p.Engine, valueOrDash(p.Role), valueOrDash(p.State), p.SessionID, p.Connected)
	}

	w.Flush() //nolint:errcheck // writing to a strings.Builder never fails.
	return buf.String()
}

func formatParticipantDetail(p control.Participant) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "PID:\t%s\n", p.PID)
	fmt.Fprintf(w, "IID:\t%d\n", p.IID)
	fmt.Fprintf(w, "Engine:\t%s\n", p.Engine)
	fmt.Fprintf(w, "Role:\t%s\n", valueOrDash(p.Role))
	fmt.Fprintf(w, "State:\t%s\n", valueOrDash(p.State))
	fmt.Fprintf(w, "Session ID:\t%d\n", p.SessionID)
	fmt.Fprintf(w, "Connected:\t%v\n", p.Connected)

	w.Flush() //nolint:errcheck // writing to a strings.Builder never fails.
	return buf.String()
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func marshalIndentJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}
	return string(data), nil
}
