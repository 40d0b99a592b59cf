package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/iudanet/librarysync/internal/models"
)

const statusTemplate = `=== Library Status ===

Library:         {{.LibraryID}}
Database:        {{.Path}}
Entries:         {{.Entries}}
Latest sequence: {{.LatestSequence}}
Known peers:     {{.Peers}}
{{- if .MaxWatermark }}
Newest HLC:      {{.MaxWatermark}}
{{- end}}
{{- if .Leader }}
Leader:          {{.Leader}} (lease until {{.LeaseExpires}})
{{- end}}
`

var statusTmpl = template.Must(template.New("status").Parse(statusTemplate))

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// writeEntries печатает записи лога таблицей
func writeEntries(w io.Writer, entries []*models.SyncLogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tTIME\tDEVICE\tMODEL\tCHANGE\tRECORD\tVERSION")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.Sequence,
			e.Timestamp.Format(time.RFC3339Nano),
			e.DeviceID,
			e.ModelType,
			e.ChangeType,
			e.RecordID,
			e.Version)
	}
	return tw.Flush()
}

func writeWatermarks(w io.Writer, marks []models.PeerWatermark, stale func(models.PeerWatermark) bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PEER\tMAX RECEIVED HLC\tUPDATED\tSTALE")
	for _, m := range marks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n",
			m.PeerDeviceUUID,
			m.MaxReceivedHLC,
			m.UpdatedAt.Format(time.RFC3339),
			stale(m))
	}
	return tw.Flush()
}
