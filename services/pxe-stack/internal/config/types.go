package config

import (
	"net"
	"time"
)

type Config struct {
	DHCP      DHCPConfig
	TFTP      TFTPConfig
	HTTP      HTTPConfig
	Lifecycle LifecycleConfig
	Menu      MenuConfig
	EventLog  EventLogConfig
	Bus       BusConfig
	S3        S3Config
}

type DHCPConfig struct {
	Enabled      bool
	Interface    string
	RangeStart   net.IP
	RangeEnd     net.IP
	SubnetMask   net.IPMask
	Router       net.IP
	DNSServers   []net.IP
	LeaseTime    time.Duration
	ServerIP     net.IP
	NextServer   net.IP
	BootFilename string
}

type TFTPConfig struct {
	Enabled    bool
	Address    string
	RootDir    string
	ReadOnly   bool
	TimeoutSec int
}

type HTTPConfig struct {
	Enabled bool
	Port    int
}

// LifecycleConfig tunes how device records are derived and expired.
type LifecycleConfig struct {
	SweepInterval time.Duration
	IdleTTL       time.Duration
	// MenuMarker is the substring identifying boot menu configuration files.
	MenuMarker string
	// IdentityFollowsExpiry drops a device's address bindings when its record
	// is evicted.
	IdentityFollowsExpiry bool
	// FlagBackwardTransitions logs stage regressions. They are always applied.
	FlagBackwardTransitions bool
}

type MenuConfig struct {
	File string
	Path string
}

type EventLogConfig struct {
	Path     string
	MaxBytes int64
	S3Bucket string
	S3Prefix string
}

type BusConfig struct {
	URL       string
	Subject   string
	JetStream bool
}

type S3Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	DisableTLS     bool
	ForcePathStyle bool
}
