package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSweepInterval = 6 * time.Hour
	defaultIdleTTL       = 6 * time.Hour
	defaultEventLogSize  = 50 << 20
)

func Load() (Config, error) {
	cfg := Config{}

	dhcp, err := loadDHCP()
	if err != nil {
		return Config{}, err
	}
	cfg.DHCP = dhcp

	cfg.TFTP.Enabled = getEnvBool("PXE_ENABLE_TFTP", true)
	cfg.TFTP.Address = getEnv("PXE_TFTP_ADDRESS", ":69")
	cfg.TFTP.RootDir = getEnv("PXE_TFTP_ROOT", "/var/lib/tftpboot")
	cfg.TFTP.ReadOnly = getEnvBool("PXE_TFTP_READ_ONLY", true)
	cfg.TFTP.TimeoutSec = getEnvInt("PXE_TFTP_TIMEOUT", 5)

	cfg.HTTP.Enabled = getEnvBool("PXE_ENABLE_HTTP", true)
	cfg.HTTP.Port = getEnvInt("PXE_HTTP_PORT", 8080)
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return Config{}, fmt.Errorf("PXE_HTTP_PORT %d is outside the valid range 1-65535", cfg.HTTP.Port)
	}

	if cfg.Lifecycle.SweepInterval, err = getEnvDuration("PXE_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.Lifecycle.IdleTTL, err = getEnvDuration("PXE_DEVICE_IDLE_TTL", defaultIdleTTL); err != nil {
		return Config{}, err
	}
	cfg.Lifecycle.MenuMarker = getEnv("PXE_MENU_MARKER", "pxelinux.cfg")
	cfg.Lifecycle.IdentityFollowsExpiry = getEnvBool("PXE_IDENTITY_FOLLOWS_EXPIRY", false)
	cfg.Lifecycle.FlagBackwardTransitions = getEnvBool("PXE_FLAG_BACKWARD_TRANSITIONS", false)

	cfg.Menu.File = os.Getenv("PXE_MENU_FILE")
	cfg.Menu.Path = getEnv("PXE_MENU_PATH", "pxelinux.cfg/default")

	cfg.EventLog.Path = os.Getenv("PXE_EVENT_LOG")
	cfg.EventLog.MaxBytes = defaultEventLogSize
	if v := os.Getenv("PXE_EVENT_LOG_MAX_SIZE"); v != "" {
		size, err := parseByteSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PXE_EVENT_LOG_MAX_SIZE: %w", err)
		}
		cfg.EventLog.MaxBytes = size
	}
	cfg.EventLog.S3Bucket = os.Getenv("PXE_EVENT_LOG_S3_BUCKET")
	cfg.EventLog.S3Prefix = strings.Trim(os.Getenv("PXE_EVENT_LOG_S3_PREFIX"), "/")

	cfg.Bus.URL = os.Getenv("PXE_NATS_URL")
	cfg.Bus.Subject = getEnv("PXE_NATS_SUBJECT", "pxe.devices.events")
	cfg.Bus.JetStream = getEnvBool("PXE_NATS_JETSTREAM", false)

	cfg.S3.Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	cfg.S3.AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3.SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3.Region = getEnv("S3_REGION", "us-east-1")
	cfg.S3.DisableTLS = getEnvBool("S3_DISABLE_TLS", false)
	cfg.S3.ForcePathStyle = getEnvBool("S3_FORCE_PATH_STYLE", true)
	if cfg.EventLog.S3Bucket != "" {
		if cfg.EventLog.Path == "" {
			return Config{}, errors.New("PXE_EVENT_LOG_S3_BUCKET requires PXE_EVENT_LOG")
		}
		if cfg.S3.Endpoint == "" {
			return Config{}, errors.New("S3_ENDPOINT is required when PXE_EVENT_LOG_S3_BUCKET is set")
		}
	}

	return cfg, nil
}

func loadDHCP() (DHCPConfig, error) {
	cfg := DHCPConfig{Enabled: getEnvBool("PXE_ENABLE_DHCP", true)}

	var err error
	if cfg.RangeStart, err = getEnvIP("PXE_DHCP_RANGE_START"); err != nil {
		return DHCPConfig{}, err
	}
	if cfg.RangeEnd, err = getEnvIP("PXE_DHCP_RANGE_END"); err != nil {
		return DHCPConfig{}, err
	}
	mask, err := getEnvIP("PXE_DHCP_SUBNET_MASK")
	if err != nil {
		return DHCPConfig{}, err
	}
	if mask != nil {
		cfg.SubnetMask = net.IPMask(mask.To4())
	}
	if cfg.Router, err = getEnvIP("PXE_DHCP_ROUTER"); err != nil {
		return DHCPConfig{}, err
	}
	if dns := os.Getenv("PXE_DHCP_DNS"); dns != "" {
		servers := strings.Split(dns, ",")
		cfg.DNSServers = make([]net.IP, 0, len(servers))
		for _, s := range servers {
			ip := net.ParseIP(strings.TrimSpace(s))
			if ip == nil {
				return DHCPConfig{}, fmt.Errorf("invalid DNS server %q", s)
			}
			cfg.DNSServers = append(cfg.DNSServers, ip)
		}
	}
	cfg.LeaseTime = 24 * time.Hour
	if lease := os.Getenv("PXE_DHCP_LEASE_SECONDS"); lease != "" {
		secs, err := strconv.Atoi(lease)
		if err != nil || secs <= 0 {
			return DHCPConfig{}, fmt.Errorf("invalid PXE_DHCP_LEASE_SECONDS: %q", lease)
		}
		cfg.LeaseTime = time.Duration(secs) * time.Second
	}
	if cfg.ServerIP, err = getEnvIP("PXE_DHCP_SERVER_IP"); err != nil {
		return DHCPConfig{}, err
	}
	if cfg.NextServer, err = getEnvIP("PXE_DHCP_NEXT_SERVER"); err != nil {
		return DHCPConfig{}, err
	}
	cfg.BootFilename = getEnv("PXE_DHCP_BOOT_FILE", "pxelinux.0")

	if !cfg.Enabled {
		return cfg, nil
	}

	if err := validateRange(cfg.RangeStart, cfg.RangeEnd); err != nil {
		return DHCPConfig{}, err
	}
	if cfg.ServerIP == nil {
		return DHCPConfig{}, errors.New("PXE_DHCP_SERVER_IP is required when DHCP is enabled")
	}
	if cfg.ServerIP.To4() == nil {
		return DHCPConfig{}, errors.New("PXE_DHCP_SERVER_IP must be an IPv4 address")
	}
	if cfg.SubnetMask == nil {
		cfg.SubnetMask = cfg.RangeStart.DefaultMask()
	}
	if cfg.Router == nil {
		cfg.Router = cfg.ServerIP
	}

	iface, err := resolveDHCPInterface(getEnv("PXE_DHCP_INTERFACE", "eth0,en0"), cfg.ServerIP)
	if err != nil {
		return DHCPConfig{}, err
	}
	cfg.Interface = iface
	return cfg, nil
}

func validateRange(start, end net.IP) error {
	if start == nil || end == nil {
		return errors.New("PXE_DHCP_RANGE_START and PXE_DHCP_RANGE_END are required when DHCP is enabled")
	}
	s, ok1 := netip.AddrFromSlice(start.To4())
	e, ok2 := netip.AddrFromSlice(end.To4())
	if !ok1 || !ok2 {
		return errors.New("PXE_DHCP range must be IPv4 addresses")
	}
	if s.Compare(e) > 0 {
		return errors.New("PXE_DHCP_RANGE_START must be <= PXE_DHCP_RANGE_END")
	}
	return nil
}

func resolveDHCPInterface(spec string, serverIP net.IP) (string, error) {
	var candidates []string
	auto := false
	for _, c := range strings.Split(spec, ",") {
		name := strings.TrimSpace(c)
		switch {
		case name == "":
		case strings.EqualFold(name, "auto"):
			auto = true
		default:
			candidates = append(candidates, name)
		}
	}

	if auto || len(candidates) == 0 {
		return interfaceByIP(serverIP)
	}

	for _, name := range candidates {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve PXE_DHCP_INTERFACE: candidates %q not found and unable to list interfaces: %w", candidates, err)
	}
	available := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve PXE_DHCP_INTERFACE: none of the candidates %q are present on this host (available: %s)", candidates, strings.Join(available, ", "))
}

func interfaceByIP(ip net.IP) (string, error) {
	if ip == nil {
		return "", errors.New("PXE_DHCP_INTERFACE=auto requires PXE_DHCP_SERVER_IP")
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil && ipNet.IP.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvIP(key string) (net.IP, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return nil, fmt.Errorf("invalid %s: %q", key, v)
	}
	return ip, nil
}

// getEnvDuration accepts Go duration strings or a plain number of seconds.
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, fmt.Errorf("invalid %s: %q", key, v)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, v)
	}
	return d, nil
}

func parseByteSize(value string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.TrimSuffix(v, "B")
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		mult, v = 1<<10, strings.TrimSuffix(v, "K")
	case strings.HasSuffix(v, "M"):
		mult, v = 1<<20, strings.TrimSuffix(v, "M")
	case strings.HasSuffix(v, "G"):
		mult, v = 1<<30, strings.TrimSuffix(v, "G")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid size", value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size %q must be positive", value)
	}
	return n * mult, nil
}
