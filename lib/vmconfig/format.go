package vmconfig

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vmnode/vmcore/lib/vmerr"
)

// Parse decodes the sectioned INI-like config format: "key: value" lines
// for the implicit current section, followed by "[name]" headers
// introducing named snapshot sections. Blank lines and lines starting with
// "#" are ignored. Digest is never read from disk — it is always
// recomputed over the parsed current section, per spec §4.8.
func Parse(vmid string, data []byte) (*Config, error) {
	cfg := New(vmid)
	cur := cfg.Current

	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			name := strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]")
			if name == currentSnapshotName {
				return nil, vmerr.New(vmerr.ConfigWrite, "snapshot section named \"current\" is forbidden")
			}
			sec := NewSection()
			cfg.Snapshots[name] = sec
			cfg.SnapshotOrder = append(cfg.SnapshotOrder, name)
			cur = sec
			continue
		}
		key, value, ok := splitKV(trimmed)
		if !ok {
			return nil, vmerr.New(vmerr.ConfigWrite, "malformed config line: "+line)
		}
		cur.Set(key, value)
	}

	cfg.Digest = ComputeDigest(cfg.Current)
	return cfg, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// Serialize encodes cfg back to the sectioned text format. Snapshot
// sections are written in SnapshotOrder so repeated load/write round-trips
// are stable.
func Serialize(cfg *Config) []byte {
	var buf bytes.Buffer
	writeSection(&buf, cfg.Current)
	for _, name := range cfg.SnapshotOrder {
		sec, ok := cfg.Snapshots[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&buf, "[%s]\n", name)
		writeSection(&buf, sec)
	}
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, s *Section) {
	for _, k := range s.Keys() {
		v, _ := s.Get(k)
		fmt.Fprintf(buf, "%s: %s\n", k, v)
	}
}
