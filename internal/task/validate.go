package task

import (
	"fmt"
	"regexp"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidAgentID reports whether id is a safe agent identifier: letters,
// digits, underscore, or hyphen, 1 to 128 characters. This excludes path
// separators so an agent id can never be used to escape a configured
// per-agent directory.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Validate checks one Spec's schema and per-kind minimums.
//
// It does not check name uniqueness across a set; use [ValidateSet] for that.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("task: name is required")
	}
	if s.ScheduleSeconds <= 0 {
		return fmt.Errorf("task %q: schedule_seconds must be positive", s.Name)
	}
	min := s.Type.minScheduleSeconds()
	if s.ScheduleSeconds < min {
		return fmt.Errorf("task %q: schedule_seconds must be >= %d for %s", s.Name, min, s.Type)
	}
	switch s.Type {
	case KindPing, KindTCP:
		if s.Host == "" {
			return fmt.Errorf("task %q: host is required", s.Name)
		}
	case KindTLS:
		if s.Host == "" {
			return fmt.Errorf("task %q: host is required", s.Name)
		}
		if s.Port == 0 {
			return fmt.Errorf("task %q: port is required", s.Name)
		}
	case KindHTTPGet:
		if s.URL == "" {
			return fmt.Errorf("task %q: url is required", s.Name)
		}
	case KindHTTPContent:
		if s.URL == "" {
			return fmt.Errorf("task %q: url is required", s.Name)
		}
		if s.Regex == "" {
			return fmt.Errorf("task %q: regex is required", s.Name)
		}
		if _, err := regexp.Compile(s.Regex); err != nil {
			return fmt.Errorf("task %q: invalid regex: %w", s.Name, err)
		}
	case KindDNS, KindDNSDoH:
		if s.Host == "" {
			return fmt.Errorf("task %q: host is required", s.Name)
		}
		if s.Server == "" {
			return fmt.Errorf("task %q: server is required", s.Name)
		}
		if s.RecordType == "" {
			return fmt.Errorf("task %q: record_type is required", s.Name)
		}
	case KindBandwidth:
		// Server-provided sizing; no kind-specific required field.
	case KindSQL:
		if s.Driver == "" {
			return fmt.Errorf("task %q: driver is required", s.Name)
		}
		if s.DSN == "" {
			return fmt.Errorf("task %q: dsn is required", s.Name)
		}
		if s.Query == "" {
			return fmt.Errorf("task %q: query is required", s.Name)
		}
		if s.Mode != "" && s.Mode != "value" && s.Mode != "json" {
			return fmt.Errorf("task %q: mode must be value or json", s.Name)
		}
		if s.MaxJSONSizeBytes > 1<<20 {
			return fmt.Errorf("task %q: max_json_size_bytes must be <= 1MiB", s.Name)
		}
	case KindSNMP:
		if s.Host == "" {
			return fmt.Errorf("task %q: host is required", s.Name)
		}
		if s.OID == "" {
			return fmt.Errorf("task %q: oid is required", s.Name)
		}
		switch s.SNMPVersion {
		case "", "v1", "v2c", "v3":
		default:
			return fmt.Errorf("task %q: snmp_version must be v1, v2c, or v3", s.Name)
		}
	default:
		return fmt.Errorf("task %q: unknown type %q", s.Name, s.Type)
	}
	return nil
}

// ValidateSet validates every Spec and enforces name uniqueness across the set.
func ValidateSet(specs []Spec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("task %q: duplicate task name", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
