package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Compatible reports the reasons data written under writer would be
// rejected by a consumer reading with reader. An empty result means the
// pair is compatible.
//
// The comparison is structural and recurses through properties and items:
// fields required by the reader must be required by the writer, shared
// fields must not narrow their type (integer widens to number), reader
// enums must cover writer enums, and a closed reader object must know every
// property the writer declares.
func Compatible(reader, writer json.RawMessage) ([]string, error) {
	var r, w map[string]any
	if err := json.Unmarshal(reader, &r); err != nil {
		return nil, fmt.Errorf("%w: reader: %v", ErrInvalidSchema, err)
	}
	if err := json.Unmarshal(writer, &w); err != nil {
		return nil, fmt.Errorf("%w: writer: %v", ErrInvalidSchema, err)
	}

	var out []string
	compare(r, w, "", &out)
	return out, nil
}

// Check applies mode between an existing version and a candidate.
// Backward reads candidate data with the existing schema, Forward reads
// existing data with the candidate, and Full does both.
func Check(mode Compatibility, existing, candidate json.RawMessage) ([]string, error) {
	switch mode {
	case None:
		return nil, nil
	case Forward:
		return Compatible(candidate, existing)
	case Full:
		back, err := Compatible(existing, candidate)
		if err != nil {
			return nil, err
		}
		fwd, err := Compatible(candidate, existing)
		if err != nil {
			return nil, err
		}
		return append(back, fwd...), nil
	default:
		return Compatible(existing, candidate)
	}
}

func compare(reader, writer map[string]any, path string, out *[]string) {
	readerReq := stringSet(reader["required"])
	writerReq := stringSet(writer["required"])
	for _, f := range sortedKeys(readerReq) {
		if !writerReq[f] {
			*out = append(*out, fmt.Sprintf("%s: field %q is required by the reader but not guaranteed by the writer", at(path), f))
		}
	}

	if !typesCompatible(reader["type"], writer["type"]) {
		*out = append(*out, fmt.Sprintf("%s: type %v cannot be read as %v", at(path), writer["type"], reader["type"]))
	}

	if renum, ok := reader["enum"].([]any); ok {
		wenum, ok := writer["enum"].([]any)
		if !ok {
			*out = append(*out, fmt.Sprintf("%s: reader restricts values to an enum the writer does not", at(path)))
		} else {
			for _, val := range wenum {
				if !containsJSON(renum, val) {
					*out = append(*out, fmt.Sprintf("%s: enum value %v is unknown to the reader", at(path), val))
				}
			}
		}
	}

	rprops, _ := reader["properties"].(map[string]any)
	wprops, _ := writer["properties"].(map[string]any)

	if ap, ok := reader["additionalProperties"].(bool); ok && !ap {
		for _, name := range sortedKeys(wprops) {
			if _, known := rprops[name]; !known {
				*out = append(*out, fmt.Sprintf("%s: property %q is not allowed by the reader", at(path), name))
			}
		}
	}

	for _, name := range sortedKeys(rprops) {
		rp, rok := rprops[name].(map[string]any)
		wp, wok := wprops[name].(map[string]any)
		if rok && wok {
			compare(rp, wp, path+"/"+name, out)
		}
	}

	ritems, rok := reader["items"].(map[string]any)
	witems, wok := writer["items"].(map[string]any)
	if rok && wok {
		compare(ritems, witems, path+"/[]", out)
	}
}

func typesCompatible(reader, writer any) bool {
	rt := typeList(reader)
	wt := typeList(writer)
	if len(rt) == 0 || len(wt) == 0 {
		return true
	}

	for _, t := range wt {
		if slices.Contains(rt, t) {
			continue
		}
		if t == "integer" && slices.Contains(rt, "number") {
			continue
		}
		return false
	}
	return true
}

func typeList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringSet(v any) map[string]bool {
	list, _ := v.([]any)
	out := make(map[string]bool, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out[s] = true
		}
	}
	return out
}

func containsJSON(list []any, v any) bool {
	want, _ := json.Marshal(v)
	for _, e := range list {
		got, _ := json.Marshal(e)
		if string(got) == string(want) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func at(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
