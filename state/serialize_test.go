package state

import (
	"net/netip"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

func TestSerialize(t *testing.T) {
	cfg := Config{
		Matrices: []MatrixConfig{
			{Id: 0, Type: LwrpMatrix, Host: netip.MustParseAddr("192.168.21.10"), Port: 93},
			{Id: 1, Type: Bt41MlrMatrix, Host: netip.MustParseAddr("192.168.21.12"), Port: 10001},
		},
		Maps: []EndPointMap{
			{
				Number: 0,
				Name:   "Main",
				Type:   AudioRouter,
				Inputs: []MapSlot{
					{HostAddress: netip.MustParseAddr("192.168.21.10"), Slot: 0, Name: "Mic 1"},
				},
				Outputs: []MapSlot{
					{HostAddress: netip.MustParseAddr("192.168.21.10"), Slot: 0},
				},
				Snapshots: []SnapshotConfig{
					{Name: "Morning Show", Routes: []SnapshotRoute{{Output: 1, Input: 1}}},
				},
			},
		},
		Tether: TetherConfig{
			SharedAddress: netip.MustParseAddr("192.168.21.2"),
			ThisHostName:  "drouter-a",
			ThatHostName:  "drouter-b",
			ThisAddress:   netip.MustParseAddr("192.168.21.3"),
			ThatAddress:   netip.MustParseAddr("192.168.21.4"),
			ThisSerial:    "/dev/ttyS0",
			ThatSerial:    "/dev/ttyS0",
		},
		Protocols: ProtocolConfig{DListen: ":23883", SaListen: ":9500", JListen: ":9600"},
		Store:     StoreConfig{LocalPath: "/var/lib/drouter/drouter.db"},
	}

	x, err := yaml.Marshal(cfg)
	assert.NoError(t, err)
	y := Config{}
	err = yaml.Unmarshal(x, &y)
	assert.NoError(t, err)
	if diff := cmp.Diff(cfg, y, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDeserializeInvalid(t *testing.T) {
	x := `matrices:
  - id: 0
    type: lwrp
    host: 192.168.21.10
    port: not-a-port
`
	y := Config{}
	err := yaml.Unmarshal([]byte(x), &y)
	assert.Error(t, err)
}
