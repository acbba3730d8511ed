// Package record defines the fixed five-field asset tuple returned by the
// FOFA search API and its normalisation rules.
package record

import (
	"fmt"
	"strconv"
	"strings"
)

// Fields is the comma-separated field list requested from the API. The order
// matches the order of values in every raw result row and in the output.
const Fields = "host,ip,title,port,protocol"

// NumFields is the number of fields a valid raw row must carry.
const NumFields = 5

// Header returns the column names written as the first line of a new store.
func Header() []string {
	return strings.Split(Fields, ",")
}

// Record is one discovered asset. Host is the dedup key.
type Record struct {
	Host     string `json:"host"`
	IP       string `json:"ip"`
	Title    string `json:"title"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
}

// Row returns the record as an ordered slice of its fields.
func (r Record) Row() []string {
	return []string{r.Host, r.IP, r.Title, r.Port, r.Protocol}
}

// ErrInvalid is returned by FromRaw for rows that cannot form a record.
type ErrInvalid struct {
	Fields int
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid record: %d fields, need %d", e.Fields, NumFields)
}

// FromRaw builds a Record from one decoded result row. Rows shorter than
// NumFields are rejected; extra trailing values are ignored. Null values
// become empty strings and numbers are rendered without a fractional part
// when they are whole.
func FromRaw(raw []any) (Record, error) {
	if len(raw) < NumFields {
		return Record{}, &ErrInvalid{Fields: len(raw)}
	}
	return Record{
		Host:     stringify(raw[0]),
		IP:       stringify(raw[1]),
		Title:    stringify(raw[2]),
		Port:     stringify(raw[3]),
		Protocol: stringify(raw[4]),
	}, nil
}

// FromRow builds a Record from a persisted row of strings, as read back from
// an output store.
func FromRow(row []string) (Record, error) {
	if len(row) < NumFields {
		return Record{}, &ErrInvalid{Fields: len(row)}
	}
	return Record{
		Host:     row[0],
		IP:       row[1],
		Title:    row[2],
		Port:     row[3],
		Protocol: row[4],
	}, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
