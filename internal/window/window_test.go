package window

import (
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
)

var weekdays = []int{1, 2, 3, 4, 5}

func mustWindow(t *testing.T, tz, start, end string, days []int) *Window {
	t.Helper()
	w, err := New(tz, start, end, days)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		tz        string
		start     string
		end       string
		days      []int
		wantField string
	}{
		{"valid", "Europe/Berlin", "09:00", "17:00", weekdays, ""},
		{"unknown timezone", "Mars/Base", "09:00", "17:00", weekdays, "timezone"},
		{"empty timezone", "", "09:00", "17:00", weekdays, "timezone"},
		{"bad start", "UTC", "9am", "17:00", weekdays, "sendWindowStart"},
		{"bad hour", "UTC", "24:00", "17:00", weekdays, "sendWindowStart"},
		{"bad end minute", "UTC", "09:00", "17:60", weekdays, "sendWindowEnd"},
		{"wraps midnight", "UTC", "22:00", "06:00", weekdays, "sendWindowEnd"},
		{"empty window", "UTC", "09:00", "09:00", weekdays, "sendWindowEnd"},
		{"no days", "UTC", "09:00", "17:00", nil, "sendDays"},
		{"day out of range", "UTC", "09:00", "17:00", []int{0, 1}, "sendDays"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tz, tt.start, tt.end, tt.days)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("New() unexpected error = %v", err)
				}
				return
			}
			if !apperr.IsValidation(err) {
				t.Fatalf("New() error = %v, want ValidationError", err)
			}
			var found bool
			for _, f := range err.(*apperr.ValidationError).Fields {
				if f.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("error %v does not mention field %s", err, tt.wantField)
			}
		})
	}
}

func TestIsSendable(t *testing.T) {
	w := mustWindow(t, "America/New_York", "09:00", "17:00", weekdays)

	tests := []struct {
		name string
		at   string
		want bool
	}{
		// 2024-03-08 is a Friday, EST (UTC-5)
		{"before window EST", "2024-03-08T13:59:00Z", false},
		{"window opens EST", "2024-03-08T14:00:00Z", true},
		{"last minute EST", "2024-03-08T21:59:00Z", true},
		{"window end exclusive EST", "2024-03-08T22:00:00Z", false},
		// 2024-03-09 Saturday
		{"weekend", "2024-03-09T15:00:00Z", false},
		// 2024-03-11 Monday, EDT (UTC-4) after the DST switch on 03-10
		{"window opens EDT", "2024-03-11T13:00:00Z", true},
		{"fixed offset would allow", "2024-03-11T21:30:00Z", false},
		{"fixed offset would reject", "2024-03-11T13:30:00Z", true},
		{"before window EDT", "2024-03-11T12:59:00Z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.IsSendable(utc(tt.at)); got != tt.want {
				t.Errorf("IsSendable(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestIsSendableNow(t *testing.T) {
	ok, err := IsSendableNow("Asia/Tokyo", "09:00", "18:00", []int{1, 2, 3, 4, 5, 6, 7}, utc("2024-06-01T01:00:00Z"))
	if err != nil {
		t.Fatalf("IsSendableNow() error = %v", err)
	}
	if !ok {
		t.Error("10:00 JST should be sendable")
	}

	if _, err := IsSendableNow("Nowhere/City", "09:00", "18:00", weekdays, time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestNextSendable(t *testing.T) {
	w := mustWindow(t, "Europe/Berlin", "09:00", "17:00", weekdays)

	tests := []struct {
		name string
		at   string
		want string
	}{
		{"inside window unchanged", "2024-05-15T10:00:00Z", "2024-05-15T10:00:00Z"},
		{"before opening same day", "2024-05-15T05:00:00Z", "2024-05-15T07:00:00Z"},
		{"after closing rolls to next day", "2024-05-15T16:00:00Z", "2024-05-16T07:00:00Z"},
		{"friday evening rolls to monday", "2024-05-17T16:00:00Z", "2024-05-20T07:00:00Z"},
		{"sunday rolls to monday", "2024-05-19T12:00:00Z", "2024-05-20T07:00:00Z"},
		// CET -> CEST switch on Sunday 2024-03-31
		{"across dst forward", "2024-03-29T17:00:00Z", "2024-04-01T07:00:00Z"},
		{"across dst back", "2024-10-25T17:00:00Z", "2024-10-28T08:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.NextSendable(utc(tt.at))
			if !got.Equal(utc(tt.want)) {
				t.Errorf("NextSendable(%s) = %s, want %s", tt.at, got.UTC().Format(time.RFC3339), tt.want)
			}
		})
	}
}

func TestNextSendableDSTGap(t *testing.T) {
	// 02:30 does not exist in New York on 2024-03-10
	w := mustWindow(t, "America/New_York", "02:30", "04:00", []int{7})

	from := utc("2024-03-10T06:00:00Z") // 01:00 EST
	got := w.NextSendable(from)
	if !w.IsSendable(got) {
		t.Fatalf("NextSendable() = %s is not sendable", got)
	}
	if !got.After(from) {
		t.Errorf("NextSendable() = %s, want after %s", got, from)
	}
	if got.Sub(from) > 24*time.Hour {
		t.Errorf("NextSendable() = %s skipped the gap day", got)
	}
}

func TestNextSendableProperty(t *testing.T) {
	w := mustWindow(t, "Australia/Sydney", "08:30", "11:15", []int{2, 4, 6})

	start := utc("2024-01-01T00:00:00Z")
	for i := 0; i < 24*60; i++ {
		at := start.Add(time.Duration(i) * 37 * time.Minute)
		got := w.NextSendable(at)
		if got.Before(at) {
			t.Fatalf("NextSendable(%s) = %s went backwards", at, got)
		}
		if !w.IsSendable(got) {
			t.Fatalf("NextSendable(%s) = %s is not sendable", at, got)
		}
		if got.Sub(at) > 3*24*time.Hour {
			t.Fatalf("NextSendable(%s) = %s waited longer than the largest day gap", at, got)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{"9:30", 0, true},
		{"09-30", 0, true},
		{"", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
