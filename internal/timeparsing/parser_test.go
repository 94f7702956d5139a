package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "+6h", want: time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{input: "-1d", want: time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)},
		{input: "-2w", want: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{input: "3m", want: time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)},
		{input: "1y", want: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
		{input: "-365d", want: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)},
		{input: "6h+", wantErr: true},
		{input: "++1d", wantErr: true},
		{input: "1x", wantErr: true},
		{input: "6", wantErr: true},
		{input: "h", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompactDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAbsolute(t *testing.T) {
	got, err := ParseAbsolute("2025-01-15")
	if err != nil {
		t.Fatalf("ParseAbsolute: %v", err)
	}
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("ParseAbsolute(date-only) = %v, want %v", got, want)
	}

	if _, err := ParseAbsolute("not a date"); err == nil {
		t.Error("ParseAbsolute accepted garbage")
	}
}

func TestParseNaturalLanguage(t *testing.T) {
	// Wednesday, January 15, 2025.
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input    string
		wantDay  int
		wantHour int // -1 means don't check
		wantErr  bool
	}{
		{input: "tomorrow", wantDay: 16, wantHour: -1},
		{input: "yesterday", wantDay: 14, wantHour: -1},
		{input: "next monday", wantDay: 20, wantHour: -1},
		{input: "3 days ago", wantDay: 12, wantHour: -1},
		{input: "in 1 week", wantDay: 22, wantHour: -1},
		{input: "tomorrow at 9am", wantDay: 16, wantHour: 9},
		{input: "not a date at all", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNaturalLanguage(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNaturalLanguage(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Day() != tt.wantDay {
				t.Errorf("ParseNaturalLanguage(%q) day = %d, want %d", tt.input, got.Day(), tt.wantDay)
			}
			if tt.wantHour >= 0 && got.Hour() != tt.wantHour {
				t.Errorf("ParseNaturalLanguage(%q) hour = %d, want %d", tt.input, got.Hour(), tt.wantHour)
			}
		})
	}
}

func TestParseRelativeTimeLayers(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	compact, err := ParseRelativeTime("-1d", now)
	if err != nil {
		t.Fatalf("compact layer: %v", err)
	}
	if compact.Day() != 14 || compact.Hour() != 10 {
		t.Errorf("compact layer = %v, want Jan 14 10:00", compact)
	}

	absolute, err := ParseRelativeTime("2024-12-01", now)
	if err != nil {
		t.Fatalf("absolute layer: %v", err)
	}
	if absolute.Year() != 2024 || absolute.Month() != time.December || absolute.Day() != 1 {
		t.Errorf("absolute layer = %v, want 2024-12-01", absolute)
	}

	nlp, err := ParseRelativeTime("tomorrow", now)
	if err != nil {
		t.Fatalf("nlp layer: %v", err)
	}
	if nlp.Day() != 16 {
		t.Errorf("nlp layer day = %d, want 16", nlp.Day())
	}

	if _, err := ParseRelativeTime("", now); err == nil {
		t.Error("empty expression accepted")
	}
}
