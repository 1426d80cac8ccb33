package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldError is one offending field of a rejected payload.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError enumerates every schema violation found in a payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Reason)
			continue
		}
		parts = append(parts, f.Field+" "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsValidationError extracts a *ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

type valueKind int

const (
	kindNumber valueKind = iota
	kindCount
	kindPercent
	kindString
	kindBool
	kindTime
	kindNumberList
	kindCountList
	kindStringList
	kindCountMap
	kindObjectList
	kindObject
)

type field struct {
	name     string
	kind     valueKind
	required bool
	elem     schema
}

type schema []field

func req(name string, kind valueKind) field { return field{name: name, kind: kind, required: true} }
func opt(name string, kind valueKind) field { return field{name: name, kind: kind} }

func reqList(name string, elem schema) field {
	return field{name: name, kind: kindObjectList, required: true, elem: elem}
}

var (
	cpuSchema = schema{
		req("overall_percent", kindPercent),
		req("per_core", kindNumberList),
		req("user_time", kindNumber),
		req("system_time", kindNumber),
		req("idle_time", kindNumber),
		opt("load_avg", kindNumberList),
	}
	memorySchema = schema{
		req("total", kindCount),
		req("used", kindCount),
		req("free", kindCount),
		req("available", kindCount),
		req("percent_used", kindPercent),
		opt("swap_total", kindCount),
		opt("swap_used", kindCount),
		opt("swap_percent", kindPercent),
	}
	diskSchema = schema{
		req("mount_point", kindString),
		req("fs_type", kindString),
		req("total", kindCount),
		req("used", kindCount),
		req("free", kindCount),
		opt("device", kindString),
		opt("percent_used", kindPercent),
		opt("iops", kindNumber),
		opt("latency_ms", kindNumber),
		opt("read_count", kindCount),
		opt("write_count", kindCount),
	}
	interfaceSchema = schema{
		req("interface", kindString),
		req("speed", kindCount),
		req("is_up", kindBool),
		req("bytes_sent", kindCount),
		req("bytes_recv", kindCount),
		req("packets_sent", kindCount),
		req("packets_recv", kindCount),
		req("errors_in", kindCount),
		req("errors_out", kindCount),
		opt("drop_in", kindCount),
		opt("drop_out", kindCount),
	}
	networkSchema = schema{
		reqList("interfaces", interfaceSchema),
		req("connections", kindCountMap),
		req("listening_ports", kindCountList),
		opt("udp_count", kindCount),
	}
	processInfoSchema = schema{
		req("pid", kindCount),
		req("name", kindString),
		req("cpu_percent", kindNumber),
		req("memory_percent", kindNumber),
		opt("username", kindString),
		opt("status", kindString),
		opt("cmdline", kindString),
	}
	processesSchema = schema{
		req("total", kindCount),
		req("running", kindCount),
		req("sleeping", kindCount),
		reqList("top_cpu", processInfoSchema),
		reqList("top_memory", processInfoSchema),
	}
	securitySchema = schema{
		req("failed_login_attempts", kindCount),
		req("successful_logins", kindCount),
		req("active_users", kindStringList),
		req("sudo_usage_count", kindCount),
		opt("ssh_connections", kindCount),
		opt("root_login_attempts", kindCount),
		opt("new_users", kindCount),
	}
	kernelSchema = schema{
		req("uptime_seconds", kindCount),
		req("boot_time", kindTime),
		req("panic_count", kindCount),
		req("oom_kill_count", kindCount),
		opt("version", kindString),
	}
	containerSchema = schema{
		req("id", kindString),
		req("name", kindString),
		req("image", kindString),
		req("status", kindString),
		opt("cpu_percent", kindNumber),
		opt("memory_usage", kindCount),
		opt("memory_limit", kindCount),
		opt("memory_percent", kindNumber),
		opt("net_rx_bytes", kindCount),
		opt("net_tx_bytes", kindCount),
	}
	containersSchema = schema{
		reqList("containers", containerSchema),
		opt("running", kindCount),
	}
	serviceSchema = schema{
		req("name", kindString),
		req("load_state", kindString),
		req("active_state", kindString),
		req("sub_state", kindString),
		opt("memory_bytes", kindCount),
	}
	servicesSchema = schema{
		reqList("services", serviceSchema),
		opt("failed", kindCount),
	}
)

// snapshotSections maps the wire key of each category to its schema. Disk is
// the only category sent as a bare list.
var snapshotSections = []struct {
	key    string
	list   bool
	schema schema
}{
	{"cpu", false, cpuSchema},
	{"memory", false, memorySchema},
	{"disk", true, diskSchema},
	{"network", false, networkSchema},
	{"processes", false, processesSchema},
	{"security", false, securitySchema},
	{"kernel", false, kernelSchema},
	{"containers", false, containersSchema},
	{"services", false, servicesSchema},
}

var topLevelKeys = func() []string {
	keys := []string{"timestamp", "node_id", "hostname"}
	for _, sec := range snapshotSections {
		keys = append(keys, sec.key)
	}
	return keys
}()

// ParseSnapshot validates raw snapshot JSON against the category schemas and
// decodes it. Any violation in any present category rejects the whole
// snapshot with a *ValidationError listing every offending field.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Reason: "payload is not a JSON object"}}}
	}

	v := &validator{}
	if raw, ok := top["timestamp"]; !ok {
		v.add("timestamp", "is required")
	} else {
		v.check("timestamp", raw, field{kind: kindTime})
	}
	if raw, ok := top["node_id"]; ok {
		v.check("node_id", raw, field{kind: kindString})
	}
	if raw, ok := top["hostname"]; ok {
		v.check("hostname", raw, field{kind: kindString})
	}

	v.foldedKeys("", top, topLevelKeys)

	present := 0
	for _, sec := range snapshotSections {
		raw, ok := top[sec.key]
		if !ok {
			continue
		}
		present++
		if sec.list {
			v.check(sec.key, raw, field{kind: kindObjectList, elem: sec.schema})
			continue
		}
		v.object(sec.key, raw, sec.schema)
	}
	if present == 0 {
		v.add("", "snapshot carries no metric categories")
	}
	if len(v.errs) > 0 {
		return nil, &ValidationError{Fields: v.errs}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return nil, &ValidationError{Fields: []FieldError{{Field: te.Field, Reason: "has wrong type " + te.Value}}}
		}
		return nil, &ValidationError{Fields: []FieldError{{Reason: err.Error()}}}
	}
	return &snap, nil
}

type validator struct {
	errs []FieldError
}

func (v *validator) add(path, reason string) {
	v.errs = append(v.errs, FieldError{Field: path, Reason: reason})
}

func (v *validator) object(path string, raw json.RawMessage, s schema) {
	var obj map[string]json.RawMessage
	if leading(raw) != '{' || json.Unmarshal(raw, &obj) != nil {
		v.add(path, "must be an object")
		return
	}
	for _, f := range s {
		val, ok := obj[f.name]
		if !ok {
			if f.required {
				v.add(path+"."+f.name, "is required")
			}
			continue
		}
		v.check(path+"."+f.name, val, f)
	}
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.name
	}
	v.foldedKeys(path, obj, names)
}

// foldedKeys rejects keys that differ from a schema key only by case.
// encoding/json matches struct fields case-insensitively, so such a key would
// reach the decoded snapshot without passing validation.
func (v *validator) foldedKeys(path string, obj map[string]json.RawMessage, names []string) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if slices.Contains(names, k) {
			continue
		}
		for _, name := range names {
			if strings.EqualFold(k, name) {
				full := k
				if path != "" {
					full = path + "." + k
				}
				v.add(full, "conflicts with field "+name)
				break
			}
		}
	}
}

func (v *validator) check(path string, raw json.RawMessage, f field) {
	if leading(raw) == 'n' {
		v.add(path, "must not be null")
		return
	}
	switch f.kind {
	case kindNumber:
		if _, ok := number(raw); !ok {
			v.add(path, "must be a number")
		}
	case kindCount:
		if _, ok := number(raw); !ok {
			v.add(path, "must be a number")
		} else if _, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 64); err != nil {
			v.add(path, "must be a non-negative integer")
		}
	case kindPercent:
		n, ok := number(raw)
		if !ok {
			v.add(path, "must be a number")
		} else if n < 0 || n > 100 {
			v.add(path, "must be between 0 and 100")
		}
	case kindString:
		if leading(raw) != '"' {
			v.add(path, "must be a string")
		}
	case kindBool:
		if c := leading(raw); c != 't' && c != 'f' {
			v.add(path, "must be a boolean")
		}
	case kindTime:
		var s string
		if json.Unmarshal(raw, &s) != nil {
			v.add(path, "must be an RFC 3339 timestamp")
			return
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			v.add(path, "must be an RFC 3339 timestamp")
		}
	case kindNumberList, kindCountList, kindStringList, kindObjectList:
		v.list(path, raw, f)
	case kindCountMap:
		var m map[string]json.RawMessage
		if leading(raw) != '{' || json.Unmarshal(raw, &m) != nil {
			v.add(path, "must be an object")
			return
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.check(path+"."+k, m[k], field{kind: kindCount})
		}
	case kindObject:
		v.object(path, raw, f.elem)
	}
}

func (v *validator) list(path string, raw json.RawMessage, f field) {
	var items []json.RawMessage
	if leading(raw) != '[' || json.Unmarshal(raw, &items) != nil {
		v.add(path, "must be a list")
		return
	}
	var elem field
	switch f.kind {
	case kindNumberList:
		elem = field{kind: kindNumber}
	case kindCountList:
		elem = field{kind: kindCount}
	case kindStringList:
		elem = field{kind: kindString}
	case kindObjectList:
		elem = field{kind: kindObject, elem: f.elem}
	}
	for i, item := range items {
		v.check(path+"["+strconv.Itoa(i)+"]", item, elem)
	}
}

func leading(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func number(raw json.RawMessage) (float64, bool) {
	c := leading(raw)
	if c != '-' && (c < '0' || c > '9') {
		return 0, false
	}
	n, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
