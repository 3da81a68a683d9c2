package pii

import "strings"

// Marker replaces the hidden part of a masked value.
const Marker = "****"

var sensitiveKeys = map[string]struct{}{
	"name":           {},
	"customer_name":  {},
	"full_name":      {},
	"account_number": {},
	"account_no":     {},
	"acct_number":    {},
	"iban":           {},
	"customer_id":    {},
	"address":        {},
	"street_address": {},
	"email":          {},
	"email_address":  {},
	"phone":          {},
	"phone_number":   {},
	"dob":            {},
	"date_of_birth":  {},
}

// IsSensitive reports whether values stored under key must be masked.
// Matching ignores case and treats "-" and spaces like "_".
func IsSensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.NewReplacer("-", "_", " ", "_").Replace(k)
	_, ok := sensitiveKeys[k]
	return ok
}

// MaskString keeps the first and last two characters of s and replaces the
// rest with Marker. Strings of four characters or fewer become Marker.
func MaskString(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return Marker
	}
	return string(r[:2]) + Marker + string(r[len(r)-2:])
}

// Mask returns a structurally identical copy of v in which every sensitive
// field is masked. Empty values under sensitive keys are left as they are.
func Mask(v Value) Value {
	switch v.kind {
	case KindObject:
		fields := make([]Field, len(v.fields))
		for i, f := range v.fields {
			if IsSensitive(f.Key) {
				fields[i] = Field{Key: f.Key, Value: maskLeaf(f.Value)}
				continue
			}
			fields[i] = Field{Key: f.Key, Value: Mask(f.Value)}
		}
		return Object(fields...)
	case KindArray:
		items := make([]Value, len(v.items))
		for i, e := range v.items {
			items[i] = Mask(e)
		}
		return Array(items...)
	default:
		return v
	}
}

func maskLeaf(v Value) Value {
	if v.IsEmpty() {
		return v
	}
	return String(MaskString(v.Text()))
}

// MaskAny masks an arbitrary value and returns plain Go values.
func MaskAny(x any) any {
	return Mask(FromAny(x)).Any()
}

// MaskMap masks a payload map. A nil map stays nil.
func MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Mask(FromAny(m)).Any().(map[string]any)
	return out
}
