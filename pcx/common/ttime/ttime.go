// Package ttime is a time.Time wrapper with a JSON/SQL encoding that is
// stable regardless of which layout produced the original string, used by
// the audit ledger and event stream so timestamps round-trip as local time
// without a trailing zone offset.
package ttime

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	FormatDateTime = "2006-01-02 15:04:05"
	FormatDate     = "2006-01-02"
)

// TimeFormat carries the layout alongside the value so MarshalJSON can
// reproduce whatever granularity UnmarshalJSON detected on the way in.
type TimeFormat struct {
	time.Time
	Format string
}

/************** JSON **************/

// MarshalJSON always renders local time, never a zone offset.
func (m TimeFormat) MarshalJSON() ([]byte, error) {
	if m.Format == "" {
		m.Format = FormatDateTime
	}
	if m.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(m.Time.In(time.Local).Format(m.Format))
}

func (m *TimeFormat) UnmarshalJSON(data []byte) error {
	if m.Format == "" {
		m.Format = FormatDateTime
	}
	s := strings.Trim(string(data), "\"")
	if s == "" || s == "null" {
		*m = TimeFormat{}
		return nil
	}

	if len(s) == len(FormatDate) && strings.Count(s, ":") == 0 {
		if t, err := time.ParseInLocation(FormatDate, s, time.Local); err == nil {
			m.Time = t
			m.Format = FormatDate
			return nil
		}
	}

	if t, err := time.ParseInLocation(m.Format, s, time.Local); err == nil {
		m.Time = t
		return nil
	}

	if t, err := parseFlexible(s); err == nil {
		m.Time = t.In(time.Local)
		m.Format = FormatDateTime
		return nil
	}

	return fmt.Errorf("ttime: cannot parse %q", s)
}

/************** SQL Scanner / Valuer **************/

func (m *TimeFormat) Scan(value interface{}) error {
	if value == nil {
		*m = TimeFormat{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*m = TimeFormat{Time: v.In(time.Local), Format: FormatDateTime}
		return nil
	case string:
		return m.scanFromString(v)
	case []byte:
		return m.scanFromString(string(v))
	default:
		return fmt.Errorf("ttime: unsupported src type %T", value)
	}
}

func (m *TimeFormat) scanFromString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0000-00-00 00:00:00" {
		*m = TimeFormat{}
		return nil
	}

	if len(s) == len(FormatDate) && strings.Count(s, ":") == 0 {
		if t, err := time.ParseInLocation(FormatDate, s, time.Local); err == nil {
			*m = TimeFormat{Time: t, Format: FormatDate}
			return nil
		}
	}

	if t, err := parseFlexible(s); err == nil {
		*m = TimeFormat{Time: t.In(time.Local), Format: FormatDateTime}
		return nil
	}
	return fmt.Errorf("ttime: cannot parse %q", s)
}

// Value writes local time as a fixed-layout string so the driver never
// substitutes an RFC3339 zone offset of its own.
func (m TimeFormat) Value() (driver.Value, error) {
	if m.Time.IsZero() {
		return nil, nil
	}
	layout := m.Format
	if layout == "" {
		layout = FormatDateTime
	}
	return m.Time.In(time.Local).Format(layout), nil
}

/************** Flexible Parser **************/

// parseFlexible tries a fixed list of layouts (space or 'T' separator,
// optional fractional seconds, optional zone name/offset) and returns the
// time in whatever zone it parsed with; the caller normalizes to Local.
func parseFlexible(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999",
		FormatDateTime,

		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999 -0700",
		"2006-01-02 15:04:05 -0700",

		"2006-01-02 15:04:05.999999999 MST",
		"2006-01-02 15:04:05 MST",

		time.RFC3339Nano,
		time.RFC3339,

		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z0700",
		"2006-01-02 15:04:05Z0700",

		FormatDate,
	}

	var lastErr error
	for _, layout := range layouts {
		var (
			t   time.Time
			err error
		)
		switch layout {
		case time.RFC3339, time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05-07:00",
			"2006-01-02 15:04:05.999999999 -0700",
			"2006-01-02 15:04:05 -0700",
			"2006-01-02 15:04:05.999999999 MST",
			"2006-01-02 15:04:05 MST",
			"2006-01-02 15:04:05.999999999Z07:00",
			"2006-01-02 15:04:05Z07:00",
			"2006-01-02 15:04:05.999999999Z0700",
			"2006-01-02 15:04:05Z0700":
			t, err = time.Parse(layout, s)
		default:
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
