package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/whisper/livesession/internal/store"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		raw  string
		want Format
		ok   bool
	}{
		{"", FormatJSON, true},
		{"json", FormatJSON, true},
		{"CSV", FormatCSV, true},
		{"txt", FormatTXT, true},
		{"pdf", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExportFilename(t *testing.T) {
	if got := ExportFilename("room/1 a", FormatTXT); got != "chat-room_1_a.txt" {
		t.Errorf("ExportFilename = %q", got)
	}
}

func transcriptFixture() []store.Message {
	at := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	return []store.Message{
		{AuthorName: "Alice", Text: "hello, class", CreatedAt: at, Reactions: map[string]int{"🔥": 1, "👍": 2}},
		{AuthorName: "Ines", Text: "see me after", CreatedAt: at.Add(time.Minute), IsPrivate: true},
		{AuthorName: "Bob", Text: "oops", CreatedAt: at.Add(2 * time.Minute), IsDeleted: true},
	}
}

func TestWriteTranscript_TXT(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTranscript(&buf, FormatTXT, transcriptFixture(), true); err != nil {
		t.Fatalf("WriteTranscript error: %v", err)
	}
	want := "[2026-03-04 09:30:00] Alice: hello, class [👍 2 🔥 1]\n" +
		"[2026-03-04 09:31:00] Ines: see me after (private)\n" +
		"[2026-03-04 09:32:00] Bob: oops (deleted)\n"
	if got := buf.String(); got != want {
		t.Errorf("txt =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteTranscript_CSV(t *testing.T) {
	tests := []struct {
		name        string
		withDeleted bool
		want        string
	}{
		{
			name: "default columns",
			want: "timestamp,user,message,is_private,reactions\n" +
				"2026-03-04T09:30:00Z,Alice,\"hello, class\",false,👍 2 🔥 1\n" +
				"2026-03-04T09:31:00Z,Ines,see me after,true,\n" +
				"2026-03-04T09:32:00Z,Bob,oops,false,\n",
		},
		{
			name:        "with deleted column",
			withDeleted: true,
			want: "timestamp,user,message,is_private,is_deleted,reactions\n" +
				"2026-03-04T09:30:00Z,Alice,\"hello, class\",false,false,👍 2 🔥 1\n" +
				"2026-03-04T09:31:00Z,Ines,see me after,true,false,\n" +
				"2026-03-04T09:32:00Z,Bob,oops,false,true,\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteTranscript(&buf, FormatCSV, transcriptFixture(), tt.withDeleted); err != nil {
				t.Fatalf("WriteTranscript error: %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("csv =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestWriteTranscript_JSONArray(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTranscript(&buf, FormatJSON, transcriptFixture(), false); err != nil {
		t.Fatalf("WriteTranscript error: %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json export is not an array: %v\n%s", err, buf.String())
	}
	if len(got) != 3 || got[0]["message"] != "hello, class" || got[1]["is_private"] != true {
		t.Errorf("json export = %v", got)
	}

	buf.Reset()
	if err := WriteTranscript(&buf, FormatJSON, nil, false); err != nil {
		t.Fatalf("WriteTranscript(empty) error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "[]" {
		t.Errorf("empty json export = %q, want []", got)
	}
}
