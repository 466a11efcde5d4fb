package sourcea

import (
	"encoding/json"
	"time"

	"github.com/reoxt/basesync/internal/fieldmap"
)

// parseFieldKind maps Source-A's wire type names to
// the collapsed fieldmap.Kind translation classes.
func parseFieldKind(wireType string) fieldmap.Kind {
	switch wireType {
	case "singleLineText", "multilineText", "richText", "email", "url", "phoneNumber":
		return fieldmap.KindText
	case "number", "currency", "percent", "duration", "autoNumber", "rating":
		return fieldmap.KindNumber
	case "checkbox":
		return fieldmap.KindCheckbox
	case "date":
		return fieldmap.KindDate
	case "dateTime":
		return fieldmap.KindDateTime
	case "singleSelect":
		return fieldmap.KindSingleSelect
	case "multipleSelects":
		return fieldmap.KindMultiSelect
	case "multipleRecordLinks":
		return fieldmap.KindLinkedRecord
	case "multipleAttachments":
		return fieldmap.KindAttachmentList
	case "formula", "rollup", "count", "multipleLookupValues":
		return fieldmap.KindComputed
	case "createdTime":
		return fieldmap.KindCreatedTime
	case "lastModifiedTime":
		return fieldmap.KindModifiedTime
	case "createdBy":
		return fieldmap.KindCreatedBy
	case "lastModifiedBy":
		return fieldmap.KindModifiedBy
	case "barcode", "button":
		return fieldmap.KindText
	default:
		return fieldmap.KindText
	}
}

// parseFieldValue decodes a raw JSON field value per its declared kind.
func parseFieldValue(kind fieldmap.Kind, raw json.RawMessage) fieldmap.Value {
	if len(raw) == 0 || string(raw) == "null" {
		return fieldmap.Value{Kind: kind, Absent: true}
	}

	switch kind {
	case fieldmap.KindText, fieldmap.KindCreatedBy, fieldmap.KindModifiedBy:
		var collaborator struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &collaborator); err == nil && collaborator.Name != "" {
			return fieldmap.Value{Kind: kind, Text: collaborator.Name}
		}
		var s string
		_ = json.Unmarshal(raw, &s)
		return fieldmap.Value{Kind: kind, Text: s}

	case fieldmap.KindNumber:
		var n float64
		_ = json.Unmarshal(raw, &n)
		return fieldmap.Value{Kind: kind, Number: n}

	case fieldmap.KindCheckbox:
		var b bool
		_ = json.Unmarshal(raw, &b)
		return fieldmap.Value{Kind: kind, Bool: b}

	case fieldmap.KindDate, fieldmap.KindDateTime, fieldmap.KindCreatedTime, fieldmap.KindModifiedTime:
		var s string
		_ = json.Unmarshal(raw, &s)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t, _ = time.Parse("2006-01-02", s)
		}
		return fieldmap.Value{Kind: kind, Date: t}

	case fieldmap.KindSingleSelect:
		var name string
		_ = json.Unmarshal(raw, &name)
		return fieldmap.Value{Kind: kind, SingleSelect: fieldmap.Choice{Name: name}}

	case fieldmap.KindMultiSelect:
		var names []string
		_ = json.Unmarshal(raw, &names)
		choices := make([]fieldmap.Choice, len(names))
		for i, n := range names {
			choices[i] = fieldmap.Choice{Name: n}
		}
		return fieldmap.Value{Kind: kind, MultiSelect: choices}

	case fieldmap.KindLinkedRecord:
		var ids []string
		_ = json.Unmarshal(raw, &ids)
		return fieldmap.Value{Kind: kind, LinkedIDs: ids}

	case fieldmap.KindAttachmentList:
		var attachments []struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(raw, &attachments)
		urls := make([]string, len(attachments))
		for i, a := range attachments {
			urls[i] = a.URL
		}
		return fieldmap.Value{Kind: kind, Attachments: urls}

	case fieldmap.KindComputed:
		// Formula/rollup/count/lookup results resolve to a typed base value
		// the schema does not carry: a string result is kept as text and a
		// numeric result as a number.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			inner := fieldmap.Value{Kind: fieldmap.KindText, Text: s}
			return fieldmap.Value{Kind: kind, Computed: &inner}
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			inner := fieldmap.Value{Kind: fieldmap.KindNumber, Number: n}
			return fieldmap.Value{Kind: kind, Computed: &inner}
		}
		return fieldmap.Value{Kind: kind, Absent: true}

	default:
		var s string
		_ = json.Unmarshal(raw, &s)
		return fieldmap.Value{Kind: kind, Text: s}
	}
}

// encodeFieldValue encodes a fieldmap.Value back to the JSON shape
// Source-A's write API expects, used by batch create/update (B→A
// direction).
func encodeFieldValue(v fieldmap.Value) any {
	switch v.Kind {
	case fieldmap.KindText, fieldmap.KindCreatedBy, fieldmap.KindModifiedBy:
		return v.Text
	case fieldmap.KindNumber:
		return v.Number
	case fieldmap.KindCheckbox:
		return v.Bool
	case fieldmap.KindDate:
		return v.Date.Format("2006-01-02")
	case fieldmap.KindDateTime, fieldmap.KindCreatedTime, fieldmap.KindModifiedTime:
		return v.Date.Format(time.RFC3339)
	case fieldmap.KindSingleSelect:
		return v.SingleSelect.Name
	case fieldmap.KindMultiSelect:
		names := make([]string, len(v.MultiSelect))
		for i, c := range v.MultiSelect {
			names[i] = c.Name
		}
		return names
	case fieldmap.KindLinkedRecord:
		return v.LinkedIDs
	default:
		return nil
	}
}
