package types

import (
	"fmt"
	"time"
)

// DateTime wraps a time.Time struct, allowing for improved dateTime JSON compatibility.
type DateTime struct {
	time.Time
}

// NewDateTime Creates a new DateTime struct, embedding a time.Time struct.
func NewDateTime(time time.Time) *DateTime {
	return &DateTime{Time: time}
}

func (dt *DateTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", dt.Time.UTC().Format(time.RFC3339))), nil
}

func (dt *DateTime) UnmarshalJSON(data []byte) error {
	// some central systems send timestamps without a zone designator
	value := string(data)
	if len(value) < 2 || value[0] != '"' {
		return fmt.Errorf("invalid dateTime value: %s", value)
	}
	value = value[1 : len(value)-1]
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"}
	var err error
	var parsed time.Time
	for _, layout := range layouts {
		parsed, err = time.Parse(layout, value)
		if err == nil {
			dt.Time = parsed
			return nil
		}
	}
	return err
}
