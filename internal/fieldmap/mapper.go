package fieldmap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reoxt/basesync/internal/syncerr"
)

// Mode governs how FromCell handles a cell value it cannot coerce, per
// the design: "Unknown values in strict mode fail with ValidationError; in
// lenient mode produce warnings and skip the field."
type Mode int

const (
	ModeStrict Mode = iota
	ModeLenient
)

// ResolvedLinkValue wraps linked-record display names (already resolved by
// internal/linkresolver) into a Value whose CanonicalString joins them with
// ", ", matching the A→B conversion table's "comma-joined list of resolved
// primary-field names; never record ids".
func ResolvedLinkValue(names []string) Value {
	choices := make([]Choice, len(names))
	for i, n := range names {
		choices[i] = Choice{Name: n}
	}
	return Value{Kind: KindMultiSelect, MultiSelect: choices}
}

// ToCellString renders a Value to its spreadsheet cell representation per
// the A→B conversion table in the design. Linked-record fields must already
// have been passed through ResolvedLinkValue by the caller.
func ToCellString(v Value) string {
	return CanonicalString(v)
}

// ParseCell parses a raw spreadsheet cell string into a Value for the given
// target field, per the B→A conversion table in the design: numeric strings
// parse to numbers; TRUE/FALSE/1/0/yes/no parse to booleans; ISO-8601-
// looking strings parse to dates; comma-separated strings split into
// multi-select arrays. Linked-record fields return the raw display names in
// LinkedNames; the caller fans them out to
// internal/linkresolver for B→A name→id resolution.
func ParseCell(raw string, field FieldDef, mode Mode) (Value, []string, error) {
	raw = strings.TrimSpace(raw)
	var warnings []string

	if field.Kind.ReadOnly() {
		// the design invariant 1: asymmetric types are read-only and dropped on reverse.
		return Value{Kind: field.Kind, Absent: true}, nil, nil
	}

	if raw == "" {
		return Value{Kind: field.Kind, Absent: true}, nil, nil
	}

	switch field.Kind {
	case KindText:
		return Value{Kind: KindText, Text: raw}, nil, nil

	case KindNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return failOrWarn(mode, field, raw, "not a valid number", &warnings)
		}
		return Value{Kind: KindNumber, Number: n}, warnings, nil

	case KindCheckbox:
		b, ok := parseBool(raw)
		if !ok {
			return failOrWarn(mode, field, raw, "not a valid boolean", &warnings)
		}
		return Value{Kind: KindCheckbox, Bool: b}, warnings, nil

	case KindDate, KindDateTime:
		t, err := parseDateish(raw)
		if err != nil {
			return failOrWarn(mode, field, raw, "not a valid ISO-8601 date", &warnings)
		}
		return Value{Kind: field.Kind, Date: t}, warnings, nil

	case KindSingleSelect:
		choice, ok := findChoice(field.Choices, raw)
		if !ok {
			return failOrWarn(mode, field, raw, fmt.Sprintf("%q is not one of the field's allowed choices", raw), &warnings)
		}
		return Value{Kind: KindSingleSelect, SingleSelect: choice}, warnings, nil

	case KindMultiSelect:
		parts := splitTrim(raw)
		choices := make([]Choice, 0, len(parts))
		for _, p := range parts {
			c, ok := findChoice(field.Choices, p)
			if !ok {
				if mode == ModeStrict {
					return Value{}, nil, &syncerr.ValidationError{Field: field.Name, Reason: fmt.Sprintf("%q is not one of the field's allowed choices", p)}
				}
				warnings = append(warnings, fmt.Sprintf("field %q: dropped unrecognized choice %q", field.Name, p))
				continue
			}
			choices = append(choices, c)
		}
		return Value{Kind: KindMultiSelect, MultiSelect: choices}, warnings, nil

	case KindLinkedRecord:
		// Names only; id resolution happens in internal/linkresolver.
		return Value{Kind: KindLinkedRecord, LinkedNames: splitTrim(raw)}, nil, nil

	case KindAttachmentList:
		return Value{Kind: KindAttachmentList, Attachments: splitTrim(raw)}, nil, nil

	default:
		return failOrWarn(mode, field, raw, "unsupported field type for reverse mapping", &warnings)
	}
}

func failOrWarn(mode Mode, field FieldDef, raw, reason string, warnings *[]string) (Value, []string, error) {
	if mode == ModeStrict {
		return Value{}, nil, &syncerr.ValidationError{Field: field.Name, Reason: reason}
	}
	*warnings = append(*warnings, fmt.Sprintf("field %q: skipped value %q: %s", field.Name, raw, reason))
	return Value{Kind: field.Kind, Absent: true}, *warnings, nil
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func parseDateish(raw string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func findChoice(choices []Choice, name string) (Choice, bool) {
	name = strings.TrimSpace(name)
	for _, c := range choices {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Choice{}, false
}

func splitTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
