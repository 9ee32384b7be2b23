package state

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

type MatrixType string

const (
	LwrpMatrix    MatrixType = "lwrp"
	Bt41MlrMatrix MatrixType = "bt41mlr"
	Gvg7000Matrix MatrixType = "gvg7000"
)

var MatrixTypes = []MatrixType{LwrpMatrix, Bt41MlrMatrix, Gvg7000Matrix}

// MatrixConfig describes one physical router device.
type MatrixConfig struct {
	Id       int
	Type     MatrixType
	Host     netip.Addr
	Port     uint16
	Password string `yaml:",omitempty"`
}

// TetherConfig configures the redundant-pair failover engine. All fields must
// be present for tethering to engage; a partial config disables it.
type TetherConfig struct {
	SharedAddress netip.Addr `yaml:"shared_address,omitempty"`
	ThisHostName  string     `yaml:"this_host_name,omitempty"`
	ThatHostName  string     `yaml:"that_host_name,omitempty"`
	ThisAddress   netip.Addr `yaml:"this_address,omitempty"`
	ThatAddress   netip.Addr `yaml:"that_address,omitempty"`
	ThisSerial    string     `yaml:"this_serial,omitempty"`
	ThatSerial    string     `yaml:"that_serial,omitempty"`
}

// IsActivated reports whether any tether setting is present at all.
func (tc *TetherConfig) IsActivated() bool {
	return tc.SharedAddress.IsValid() || tc.ThisHostName != "" || tc.ThatHostName != "" ||
		tc.ThisAddress.IsValid() || tc.ThatAddress.IsValid() ||
		tc.ThisSerial != "" || tc.ThatSerial != ""
}

// IsSane reports whether the tether config is complete enough to run the
// negotiation algorithm.
func (tc *TetherConfig) IsSane() bool {
	return tc.SharedAddress.IsValid() &&
		tc.ThisHostName != "" && tc.ThatHostName != "" &&
		tc.ThisAddress.IsValid() && tc.ThatAddress.IsValid() &&
		tc.ThisSerial != "" && tc.ThatSerial != ""
}

type ProtocolConfig struct {
	DListen  string `yaml:"d_listen,omitempty"`
	SaListen string `yaml:"sa_listen,omitempty"`
	JListen  string `yaml:"j_listen,omitempty"`
}

type StoreConfig struct {
	Dsn       string `yaml:",omitempty"`
	LocalPath string `yaml:"local_path,omitempty"`
}

type SnapshotRoute struct {
	Output int
	Input  int
}

type SnapshotConfig struct {
	Name   string
	Routes []SnapshotRoute
}

type Config struct {
	Matrices  []MatrixConfig
	Maps      []EndPointMap `yaml:",omitempty"`
	Tether    TetherConfig  `yaml:",omitempty"`
	Protocols ProtocolConfig
	Store     StoreConfig `yaml:",omitempty"`
	LogPath   string      `yaml:"log_path,omitempty"`
}

const (
	DefaultDListen  = ":23883"
	DefaultSaListen = ":9500"
	DefaultJListen  = ":9600"
)

// ExpandConfig fills in defaulted listen addresses and map metadata.
func ExpandConfig(cfg *Config) {
	if cfg.Protocols.DListen == "" {
		cfg.Protocols.DListen = DefaultDListen
	}
	if cfg.Protocols.SaListen == "" {
		cfg.Protocols.SaListen = DefaultSaListen
	}
	if cfg.Protocols.JListen == "" {
		cfg.Protocols.JListen = DefaultJListen
	}
	for i := range cfg.Maps {
		if cfg.Maps[i].Name == "" {
			cfg.Maps[i].Name = fmt.Sprintf("Router %d", cfg.Maps[i].Number+1)
		}
	}
}

// ConfigValidator rejects configurations the daemon cannot safely start with.
// An incomplete tether section is not fatal here; the tether module degrades
// to always-active and logs the reason.
func ConfigValidator(cfg *Config) error {
	seen := make(map[int]bool)
	for _, m := range cfg.Matrices {
		if !slices.Contains(MatrixTypes, m.Type) {
			return fmt.Errorf("matrix %d: unknown type %q (want one of %v)", m.Id, m.Type, MatrixTypes)
		}
		if !m.Host.IsValid() {
			return fmt.Errorf("matrix %d: missing host address", m.Id)
		}
		if m.Port == 0 {
			return fmt.Errorf("matrix %d: missing port", m.Id)
		}
		if seen[m.Id] {
			return fmt.Errorf("matrix %d: duplicate id", m.Id)
		}
		seen[m.Id] = true
	}
	mapNums := make(map[int]bool)
	for _, em := range cfg.Maps {
		if em.Number < 0 {
			return fmt.Errorf("endpoint map %q: negative router number", em.Name)
		}
		if mapNums[em.Number] {
			return fmt.Errorf("endpoint map %q: duplicate router number %d", em.Name, em.Number)
		}
		mapNums[em.Number] = true
		if em.Type != AudioRouter && em.Type != GpioRouter {
			return fmt.Errorf("endpoint map %q: unknown type %q", em.Name, em.Type)
		}
		for _, snap := range em.Snapshots {
			if strings.TrimSpace(snap.Name) == "" {
				return fmt.Errorf("endpoint map %q: snapshot with empty name", em.Name)
			}
		}
	}
	return nil
}
