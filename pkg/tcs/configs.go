package tcs

// ShellSeasoning represents the configuration values.
type ShellSeasoning struct {
	ConnectionConfig *ConnectionConfig `json:"ConnectionConfig" yaml:"ConnectionConfig"`
	PoolConfig       *PoolConfig       `json:"PoolConfig" yaml:"PoolConfig"`
	MonitorConfig    *MonitorConfig    `json:"MonitorConfig" yaml:"MonitorConfig"`
	ReportConfig     *ReportConfig     `json:"ReportConfig" yaml:"ReportConfig"`
}

// ConnectionConfig represents immutable settings for dialing and keeping alive a
// single remote command-execution session. Supplied once, never mutated.
type ConnectionConfig struct {
	Host              string `json:"Host" yaml:"Host"`
	Port              uint32 `json:"Port" yaml:"Port"`                             // defaults to 22
	Username          string `json:"Username" yaml:"Username"`
	Password          string `json:"Password,omitempty" yaml:"Password,omitempty"`
	PrivateKeyFile    string `json:"PrivateKeyFile,omitempty" yaml:"PrivateKeyFile,omitempty"`
	KnownHostsFile    string `json:"KnownHostsFile,omitempty" yaml:"KnownHostsFile,omitempty"` // empty skips host key verification
	ConnectTimeout    uint32 `json:"ConnectTimeout" yaml:"ConnectTimeout"`         // seconds
	KeepAliveInterval uint32 `json:"KeepAliveInterval" yaml:"KeepAliveInterval"`   // seconds between liveness probes
	MaxRetryAttempts  uint32 `json:"MaxRetryAttempts" yaml:"MaxRetryAttempts"`     // transient connect failures only
	RetryBackoffBase  uint32 `json:"RetryBackoffBase" yaml:"RetryBackoffBase"`     // milliseconds
	RetryBackoffCap   uint32 `json:"RetryBackoffCap" yaml:"RetryBackoffCap"`       // milliseconds
	MaxSessionAge     uint32 `json:"MaxSessionAge" yaml:"MaxSessionAge"`           // seconds before a session is recycled
}

// PoolConfig represents settings for creating/configuring the SessionPool.
type PoolConfig struct {
	ApplicationName      string `json:"ApplicationName" yaml:"ApplicationName"`
	PoolSize             uint64 `json:"PoolSize" yaml:"PoolSize"`                           // number of managed slots
	CheckOutTimeout      uint32 `json:"CheckOutTimeout" yaml:"CheckOutTimeout"`             // seconds, default wait used by ShellService
	MaxIdleTime          uint32 `json:"MaxIdleTime" yaml:"MaxIdleTime"`                     // seconds a slot may sit unused before eviction
	MaintenanceInterval  uint32 `json:"MaintenanceInterval" yaml:"MaintenanceInterval"`     // seconds between maintenance passes
	SleepOnErrorInterval uint32 `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"`   // milliseconds, sleep length on errors
}

// MonitorConfig represents settings for the network HealthMonitor.
type MonitorConfig struct {
	ProbeCount      uint32   `json:"ProbeCount" yaml:"ProbeCount"`           // echo probes per sample, default 10
	ProbeTimeout    uint32   `json:"ProbeTimeout" yaml:"ProbeTimeout"`       // seconds per echo probe, default 5
	ProbePort       uint32   `json:"ProbePort" yaml:"ProbePort"`             // port used for echo probes, default 22
	FilterPorts     []uint32 `json:"FilterPorts" yaml:"FilterPorts"`         // ports checked for selective filtering, default 22/80/443/53
	DNSTimeout      uint32   `json:"DNSTimeout" yaml:"DNSTimeout"`           // seconds, default 2
	SampleInterval  uint32   `json:"SampleInterval" yaml:"SampleInterval"`   // seconds between continuous-mode samples
	HistoryCapacity uint32   `json:"HistoryCapacity" yaml:"HistoryCapacity"` // bounded sample ring per host, default 100
}

// ReportConfig represents settings for periodic JSON statistics/health reports.
type ReportConfig struct {
	Enabled         bool   `json:"Enabled" yaml:"Enabled"`
	Directory       string `json:"Directory" yaml:"Directory"`
	Interval        uint32 `json:"Interval" yaml:"Interval"` // seconds between report writes
	CompressionType string `json:"CompressionType,omitempty" yaml:"CompressionType,omitempty"` // "", gzip or zstd
}

const (
	defaultPort            = uint32(22)
	defaultProbeCount      = uint32(10)
	defaultProbeTimeout    = uint32(5)
	defaultDNSTimeout      = uint32(2)
	defaultHistoryCapacity = uint32(100)
)

var defaultFilterPorts = []uint32{22, 80, 443, 53}

// withDefaults fills the optional fields a config file may omit.
func (cc *ConnectionConfig) withDefaults() *ConnectionConfig {
	out := *cc
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.MaxRetryAttempts == 0 {
		out.MaxRetryAttempts = 1
	}
	return &out
}

func (mc *MonitorConfig) withDefaults() MonitorConfig {
	out := *mc
	if out.ProbeCount == 0 {
		out.ProbeCount = defaultProbeCount
	}
	if out.ProbeTimeout == 0 {
		out.ProbeTimeout = defaultProbeTimeout
	}
	if out.ProbePort == 0 {
		out.ProbePort = defaultPort
	}
	if len(out.FilterPorts) == 0 {
		out.FilterPorts = defaultFilterPorts
	}
	if out.DNSTimeout == 0 {
		out.DNSTimeout = defaultDNSTimeout
	}
	if out.HistoryCapacity == 0 {
		out.HistoryCapacity = defaultHistoryCapacity
	}
	return out
}
