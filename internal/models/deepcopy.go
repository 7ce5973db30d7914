package models

import "time"

func cloneTimePtr(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}

// CloneRecords deep-copies a record slice, preserving nil.
func CloneRecords(src []Record) []Record {
	if src == nil {
		return nil
	}
	out := make([]Record, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out
}
