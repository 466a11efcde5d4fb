package fieldmap

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Normalize implements the normalization rules, the sole contract
// the Conflict Detector relies on for hash stability:
// collapse empty/null/undefined to "absent"; trim strings; round floats to
// 6 decimal places; sort array values. Select choices are trimmed and kept
// whole (id and name); no value is reduced to its id.
func Normalize(v Value) Value {
	out := v

	switch v.Kind {
	case KindText, KindCreatedBy, KindModifiedBy:
		trimmed := strings.TrimSpace(v.Text)
		if trimmed == "" {
			out.Absent = true
			out.Text = ""
		} else {
			out.Text = trimmed
		}

	case KindNumber:
		out.Number = roundTo6(v.Number)

	case KindSingleSelect:
		out.SingleSelect = Choice{ID: strings.TrimSpace(v.SingleSelect.ID), Name: strings.TrimSpace(v.SingleSelect.Name)}
		if out.SingleSelect.Name == "" {
			out.Absent = true
		}

	case KindMultiSelect:
		names := make([]Choice, len(v.MultiSelect))
		copy(names, v.MultiSelect)
		sort.Slice(names, func(i, j int) bool { return names[i].Name < names[j].Name })
		out.MultiSelect = names
		if len(names) == 0 {
			out.Absent = true
		}

	case KindLinkedRecord:
		ids := make([]string, len(v.LinkedIDs))
		copy(ids, v.LinkedIDs)
		sort.Strings(ids)
		out.LinkedIDs = ids
		if len(ids) == 0 {
			out.Absent = true
		}

	case KindAttachmentList:
		urls := make([]string, len(v.Attachments))
		copy(urls, v.Attachments)
		sort.Strings(urls)
		out.Attachments = urls
		if len(urls) == 0 {
			out.Absent = true
		}

	case KindComputed:
		if v.Computed != nil {
			normalized := Normalize(*v.Computed)
			out.Computed = &normalized
			out.Absent = normalized.Absent
		} else {
			out.Absent = true
		}
	}

	return out
}

func roundTo6(f float64) float64 {
	const factor = 1e6
	return math.Round(f*factor) / factor
}

// CanonicalString renders a normalized Value into the deterministic string
// representation used both for hashing (internal/conflict) and for writing
// to a spreadsheet cell (the A→B conversion table in the design).
func CanonicalString(v Value) string {
	n := Normalize(v)
	if n.Absent {
		return ""
	}
	switch n.Kind {
	case KindText, KindCreatedBy, KindModifiedBy:
		return n.Text
	case KindNumber:
		return strconv.FormatFloat(n.Number, 'f', -1, 64)
	case KindCheckbox:
		if n.Bool {
			return "TRUE"
		}
		return "FALSE"
	case KindDate:
		return n.Date.Format("2006-01-02")
	case KindDateTime, KindCreatedTime, KindModifiedTime:
		return n.Date.Format("2006-01-02T15:04:05Z07:00")
	case KindSingleSelect:
		return n.SingleSelect.Name
	case KindMultiSelect:
		names := make([]string, len(n.MultiSelect))
		for i, c := range n.MultiSelect {
			names[i] = c.Name
		}
		return strings.Join(names, ", ")
	case KindLinkedRecord:
		// Resolved to names by internal/linkresolver before this point;
		// LinkedIDs here are a fallback for unresolved entries.
		return strings.Join(n.LinkedIDs, ", ")
	case KindAttachmentList:
		return strings.Join(n.Attachments, ", ")
	case KindComputed:
		if n.Computed != nil {
			return CanonicalString(*n.Computed)
		}
		return ""
	default:
		return ""
	}
}
