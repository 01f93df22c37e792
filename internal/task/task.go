// Package task defines the on-disk task configuration schema shared by the
// agent scheduler and the server's config and bulk-reconfiguration paths.
package task

// Kind identifies which probe a [Spec] describes.
type Kind string

// Probe kinds, matching the `type` field of a task TOML entry.
const (
	KindPing        Kind = "ping"
	KindTCP         Kind = "tcp"
	KindTLS         Kind = "tls"
	KindHTTPGet     Kind = "http_get"
	KindHTTPContent Kind = "http_content"
	KindDNS         Kind = "dns"
	KindDNSDoH      Kind = "dns_doh"
	KindBandwidth   Kind = "bandwidth"
	KindSQL         Kind = "sql"
	KindSNMP        Kind = "snmp"
)

// defaultTimeout returns the per-kind default timeout used when a Spec
// omits timeout_seconds.
func (k Kind) defaultTimeout() int {
	switch k {
	case KindPing, KindTCP:
		return 5
	case KindTLS:
		return 10
	case KindHTTPGet:
		return 15
	case KindHTTPContent:
		return 30
	case KindDNS, KindDNSDoH:
		return 5
	case KindBandwidth:
		return 30
	case KindSQL:
		return 10
	case KindSNMP:
		return 5
	default:
		return 10
	}
}

// minScheduleSeconds returns the minimum allowed schedule_seconds for k.
func (k Kind) minScheduleSeconds() int {
	switch k {
	case KindBandwidth, KindSQL, KindSNMP:
		return 60
	default:
		return 1
	}
}

// Spec is one monitoring task, as loaded from tasks.toml.
//
// Fields not relevant to Type are left zero-valued. Spec is immutable once
// handed to the scheduler; a reconfiguration replaces the whole task set
// (see internal/scheduler).
type Spec struct {
	// Type selects the probe kind. Required.
	Type Kind `toml:"type"`

	// Name uniquely identifies this task within the agent. Required.
	Name string `toml:"name"`

	// ScheduleSeconds is the tick interval. Required; per-kind minimum enforced
	// by [Spec.Validate].
	ScheduleSeconds int `toml:"schedule_seconds"`

	// TimeoutSeconds is the hard deadline per invocation. Zero means
	// Type.defaultTimeout().
	TimeoutSeconds int `toml:"timeout_seconds,omitempty"`

	// Timeout is a deprecated alias for TimeoutSeconds accepted for
	// backward compatibility with older task files.
	Timeout int `toml:"timeout,omitempty"`

	// TargetID is an optional grouping tag, not interpreted by the scheduler.
	TargetID string `toml:"target_id,omitempty"`

	// Ping, Tcp, Tls, HttpGet fields.
	Host string `toml:"host,omitempty"`
	Port int    `toml:"port,omitempty"`

	// Tls, HttpGet (https), HttpContent.
	VerifySSL *bool `toml:"verify_ssl,omitempty"`

	// HttpGet, HttpContent.
	URL   string `toml:"url,omitempty"`
	Regex string `toml:"regex,omitempty"`

	// Dns, DnsDoh.
	Server      string `toml:"server,omitempty"`
	RecordType  string `toml:"record_type,omitempty"`
	ExpectedIP  string `toml:"expected_ip,omitempty"`

	// Sql.
	Driver           string `toml:"driver,omitempty"`
	DSN              string `toml:"dsn,omitempty"`
	Query            string `toml:"query,omitempty"`
	Mode             string `toml:"mode,omitempty"` // "value" or "json"
	MaxRows          int    `toml:"max_rows,omitempty"`
	MaxJSONSizeBytes int    `toml:"max_json_size_bytes,omitempty"`

	// Snmp.
	OID            string `toml:"oid,omitempty"`
	Community      string `toml:"community,omitempty"`
	SNMPVersion    string `toml:"snmp_version,omitempty"` // v1, v2c, v3
	SNMPUser       string `toml:"snmp_user,omitempty"`
	AuthProtocol   string `toml:"auth_protocol,omitempty"`
	AuthPassphrase string `toml:"auth_passphrase,omitempty"`
}

// EffectiveTimeoutSeconds returns the timeout to use for this task,
// resolving TimeoutSeconds, the deprecated Timeout alias, and the per-kind
// default, in that order.
func (s Spec) EffectiveTimeoutSeconds() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	if s.Timeout > 0 {
		return s.Timeout
	}
	return s.Type.defaultTimeout()
}

// VerifySSLOrDefault returns VerifySSL, defaulting to true when unset.
func (s Spec) VerifySSLOrDefault() bool {
	if s.VerifySSL == nil {
		return true
	}
	return *s.VerifySSL
}

// File is the top-level shape of tasks.toml.
type File struct {
	Tasks []Spec `toml:"tasks"`
}
