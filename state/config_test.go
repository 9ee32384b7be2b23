package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Matrices: []MatrixConfig{
			{Id: 0, Type: LwrpMatrix, Host: netip.MustParseAddr("192.168.21.10"), Port: 93},
			{Id: 1, Type: Gvg7000Matrix, Host: netip.MustParseAddr("192.168.21.11"), Port: 12345},
		},
		Maps: []EndPointMap{
			{Number: 0, Type: AudioRouter},
			{Number: 1, Type: GpioRouter},
		},
	}
}

func TestExpandConfig_Defaults(t *testing.T) {
	cfg := validConfig()
	ExpandConfig(&cfg)
	assert.Equal(t, DefaultDListen, cfg.Protocols.DListen)
	assert.Equal(t, DefaultSaListen, cfg.Protocols.SaListen)
	assert.Equal(t, DefaultJListen, cfg.Protocols.JListen)
	assert.Equal(t, "Router 1", cfg.Maps[0].Name)
	assert.Equal(t, "Router 2", cfg.Maps[1].Name)
}

func TestExpandConfig_KeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Protocols.SaListen = "127.0.0.1:19500"
	cfg.Maps[0].Name = "Main Air Chain"
	ExpandConfig(&cfg)
	assert.Equal(t, "127.0.0.1:19500", cfg.Protocols.SaListen)
	assert.Equal(t, "Main Air Chain", cfg.Maps[0].Name)
}

func TestConfigValidator_Valid(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, ConfigValidator(&cfg))
}

func TestConfigValidator_BadMatrix(t *testing.T) {
	cfg := validConfig()
	cfg.Matrices[0].Type = "sas32000"
	assert.Error(t, ConfigValidator(&cfg))

	cfg = validConfig()
	cfg.Matrices[0].Host = netip.Addr{}
	assert.Error(t, ConfigValidator(&cfg))

	cfg = validConfig()
	cfg.Matrices[1].Id = cfg.Matrices[0].Id
	assert.Error(t, ConfigValidator(&cfg))

	cfg = validConfig()
	cfg.Matrices[0].Port = 0
	assert.Error(t, ConfigValidator(&cfg))
}

func TestConfigValidator_BadMap(t *testing.T) {
	cfg := validConfig()
	cfg.Maps[1].Number = 0
	assert.Error(t, ConfigValidator(&cfg))

	cfg = validConfig()
	cfg.Maps[0].Type = "video"
	assert.Error(t, ConfigValidator(&cfg))

	cfg = validConfig()
	cfg.Maps[0].Snapshots = []SnapshotConfig{{Name: "  "}}
	assert.Error(t, ConfigValidator(&cfg))
}

func TestTetherConfig_Sanity(t *testing.T) {
	tc := TetherConfig{}
	assert.False(t, tc.IsActivated())
	assert.False(t, tc.IsSane())

	tc.ThisHostName = "drouter-a"
	assert.True(t, tc.IsActivated())
	assert.False(t, tc.IsSane())

	tc = TetherConfig{
		SharedAddress: netip.MustParseAddr("192.168.21.2"),
		ThisHostName:  "drouter-a",
		ThatHostName:  "drouter-b",
		ThisAddress:   netip.MustParseAddr("192.168.21.3"),
		ThatAddress:   netip.MustParseAddr("192.168.21.4"),
		ThisSerial:    "/dev/ttyS0",
		ThatSerial:    "/dev/ttyS0",
	}
	assert.True(t, tc.IsActivated())
	assert.True(t, tc.IsSane())
}
