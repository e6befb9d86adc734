package wire

import (
	"encoding/csv"
	"strings"
)

// JoinList renders a list value (for example the DATA field of a command
// result) as a single CSV line so it survives the key=value encoding.
func JoinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	// Write never fails on a strings.Builder.
	_ = w.Write(items)
	w.Flush()
	return strings.TrimRight(sb.String(), "\r\n")
}

// SplitList parses a CSV line back into its elements. An empty input yields
// an empty list; malformed quoting degrades to a plain comma split rather
// than failing, since list values originate from untrusted requests.
func SplitList(value string) []string {
	if value == "" {
		return nil
	}
	r := csv.NewReader(strings.NewReader(value))
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return strings.Split(value, ",")
	}
	return record
}
