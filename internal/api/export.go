package api

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/store"
)

// Format is a transcript export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatTXT  Format = "txt"
)

// ParseFormat reads the format query value. Empty means JSON.
func ParseFormat(raw string) (Format, bool) {
	switch f := Format(strings.ToLower(raw)); f {
	case "":
		return FormatJSON, true
	case FormatJSON, FormatCSV, FormatTXT:
		return f, true
	default:
		return "", false
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatTXT:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// ExportFilename is the attachment name of a session transcript.
func ExportFilename(sessionID string, f Format) string {
	return "chat-" + sanitizeFilename(sessionID) + "." + string(f)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// WriteTranscript encodes msgs to w in format f. withDeleted adds the
// is_deleted column to CSV output.
func WriteTranscript(w io.Writer, f Format, msgs []store.Message, withDeleted bool) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, msgs, withDeleted)
	case FormatTXT:
		return writeTXT(w, msgs)
	default:
		return writeTranscriptJSON(w, msgs)
	}
}

// writeTranscriptJSON writes a bare array, [] when msgs is empty.
func writeTranscriptJSON(w io.Writer, msgs []store.Message) error {
	if msgs == nil {
		msgs = []store.Message{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(msgs)
}

var csvHeader = []string{"timestamp", "user", "message", "is_private", "reactions"}

func writeCSV(w io.Writer, msgs []store.Message, withDeleted bool) error {
	cw := csv.NewWriter(w)
	header := csvHeader
	if withDeleted {
		header = append(slices.Clone(csvHeader[:4]), "is_deleted", "reactions")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range msgs {
		row := []string{
			m.CreatedAt.UTC().Format(time.RFC3339),
			m.AuthorName,
			m.Text,
			strconv.FormatBool(m.IsPrivate),
		}
		if withDeleted {
			row = append(row, strconv.FormatBool(m.IsDeleted))
		}
		row = append(row, reactionSummary(m.Reactions))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTXT(w io.Writer, msgs []store.Message) error {
	bw := bufio.NewWriter(w)
	for _, m := range msgs {
		fmt.Fprintf(bw, "[%s] %s: %s", m.CreatedAt.UTC().Format(time.DateTime), m.AuthorName, m.Text)
		if m.IsPrivate {
			bw.WriteString(" (private)")
		}
		if m.IsDeleted {
			bw.WriteString(" (deleted)")
		}
		if s := reactionSummary(m.Reactions); s != "" {
			bw.WriteString(" [" + s + "]")
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// reactionSummary renders counts in the fixed reaction order, e.g. "👍 2 ❤️ 1".
func reactionSummary(counts map[string]int) string {
	var parts []string
	for _, sym := range pipeline.AllowedReactions() {
		if n := counts[sym]; n > 0 {
			parts = append(parts, sym+" "+strconv.Itoa(n))
		}
	}
	return strings.Join(parts, " ")
}

func writeFailed(r *http.Request, err error) {
	log.Printf("api: export %s: %v", r.URL.Path, err)
}

func logExport(sessionID, userID string, f Format, n int, took time.Duration) {
	metrics.TranscriptExports.WithLabelValues(string(f)).Inc()
	log.Printf("api: exported transcript session=%s by=%s format=%s messages=%d took=%s", sessionID, userID, f, n, took)
}
