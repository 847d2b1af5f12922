package db

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAddr(t *testing.T) {
	t.Run("scan_string", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan("192.168.1.10")
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.10", ip.String())
	})

	t.Run("scan_bytes", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan([]byte("10.0.0.1"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", ip.String())
	})

	t.Run("scan_ipv6", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan("fe80::1")
		require.NoError(t, err)
		assert.Equal(t, "fe80::1", ip.String())
	})

	t.Run("scan_invalid", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan("not-an-ip")
		assert.Error(t, err)
	})

	t.Run("scan_nil", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan(nil)
		require.NoError(t, err)
		assert.Equal(t, "", ip.String())
	})

	t.Run("value", func(t *testing.T) {
		ip := IPAddr{IP: net.ParseIP("172.16.0.5")}
		v, err := ip.Value()
		require.NoError(t, err)
		assert.Equal(t, "172.16.0.5", v)
	})

	t.Run("value_nil", func(t *testing.T) {
		var ip IPAddr
		v, err := ip.Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestMACAddr(t *testing.T) {
	t.Run("scan_and_string", func(t *testing.T) {
		var mac MACAddr
		err := mac.Scan("aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", mac.String())
	})

	t.Run("scan_invalid", func(t *testing.T) {
		var mac MACAddr
		err := mac.Scan("zz:zz:zz")
		assert.Error(t, err)
	})

	t.Run("value_nil", func(t *testing.T) {
		var mac MACAddr
		v, err := mac.Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestMACAddrOUI(t *testing.T) {
	tests := []struct {
		name string
		mac  string
		want string
	}{
		{"lowercase_input", "aa:bb:cc:dd:ee:ff", "AABBCC"},
		{"mixed_case_input", "B8:27:EB:01:02:03", "B827EB"},
		{"dash_separated", "00-1A-2B-3C-4D-5E", "001A2B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mac MACAddr
			require.NoError(t, mac.Scan(tt.mac))
			assert.Equal(t, tt.want, mac.OUI())
		})
	}

	t.Run("empty_mac", func(t *testing.T) {
		var mac MACAddr
		assert.Equal(t, "", mac.OUI())
	})
}

func TestNetworkAddr(t *testing.T) {
	t.Run("scan_cidr", func(t *testing.T) {
		var addr NetworkAddr
		err := addr.Scan("192.168.1.0/24")
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.0/24", addr.String())
	})

	t.Run("scan_invalid", func(t *testing.T) {
		var addr NetworkAddr
		err := addr.Scan("192.168.1.0")
		assert.Error(t, err)
	})

	t.Run("value_roundtrip", func(t *testing.T) {
		var addr NetworkAddr
		require.NoError(t, addr.Scan("10.0.0.0/8"))
		v, err := addr.Value()
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.0/8", v)
	})
}

func TestJSONB(t *testing.T) {
	t.Run("scan_bytes", func(t *testing.T) {
		var j JSONB
		err := j.Scan([]byte(`{"key":"value"}`))
		require.NoError(t, err)
		assert.Equal(t, `{"key":"value"}`, j.String())
	})

	t.Run("scan_nil", func(t *testing.T) {
		var j JSONB
		err := j.Scan(nil)
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("value_nil", func(t *testing.T) {
		var j JSONB
		v, err := j.Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("marshal_roundtrip", func(t *testing.T) {
		j := JSONB(`{"ports":[22,80]}`)
		data, err := json.Marshal(j)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ports":[22,80]}`, string(data))

		var decoded JSONB
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.JSONEq(t, j.String(), decoded.String())
	})
}

func TestTerminalTaskStatus(t *testing.T) {
	assert.False(t, TerminalTaskStatus(TaskStatusPending))
	assert.False(t, TerminalTaskStatus(TaskStatusRunning))
	assert.True(t, TerminalTaskStatus(TaskStatusCompleted))
	assert.True(t, TerminalTaskStatus(TaskStatusFailed))
	assert.True(t, TerminalTaskStatus(TaskStatusCancelled))
}

func TestValidTaskTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		to    string
		valid bool
	}{
		{"pending_to_running", TaskStatusPending, TaskStatusRunning, true},
		{"pending_to_cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending_to_completed", TaskStatusPending, TaskStatusCompleted, false},
		{"pending_to_failed", TaskStatusPending, TaskStatusFailed, false},
		{"running_to_completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running_to_failed", TaskStatusRunning, TaskStatusFailed, true},
		{"running_to_cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"running_to_pending", TaskStatusRunning, TaskStatusPending, false},
		{"completed_to_running", TaskStatusCompleted, TaskStatusRunning, false},
		{"failed_to_pending", TaskStatusFailed, TaskStatusPending, false},
		{"cancelled_to_running", TaskStatusCancelled, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTaskTransition(tt.from, tt.to))
		})
	}
}
