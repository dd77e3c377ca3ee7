package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func server(fp string, networks, gateways []string) *Server {
	return NewServer(ServerInfo{Fingerprint: fp, Host: "127.0.0.1", Port: 6560, Networks: networks, Gateways: gateways}, false)
}

func fingerprints(servers []*Server) []string {
	out := []string{}
	for _, s := range servers {
		out = append(out, s.Fingerprint)
	}
	return out
}

// TestServerMembership verifies network and gateway set helpers.
func TestServerMembership(t *testing.T) {
	a := server("a", []string{"lan"}, nil)
	b := server("b", []string{"lan", "wan"}, []string{"dmz"})
	c := server("c", []string{"dmz"}, nil)

	assert.True(t, a.SharesNetwork(b))
	assert.False(t, a.SharesNetwork(c))
	assert.False(t, a.IsGateway())
	assert.True(t, b.IsGateway())
	assert.True(t, b.ServesGatewayFor(c))
	assert.False(t, b.ServesGatewayFor(a))
	assert.Equal(t, "127.0.0.1:6560", a.Addr())

	info := b.Info()
	assert.Equal(t, []string{"lan", "wan"}, info.Networks)
	assert.Equal(t, []string{"dmz"}, info.Gateways)
}

// TestTopologyLookup checks localhost and peer resolution.
func TestTopologyLookup(t *testing.T) {
	local := NewServer(ServerInfo{Fingerprint: "me", Networks: []string{"lan"}}, true)
	topo := NewTopology(local, []*Server{server("p1", []string{"lan"}, nil), server("me", nil, nil)})

	s, err := topo.Lookup("me")
	require.NoError(t, err)
	assert.True(t, s.IsLocalhost)

	s, err = topo.Lookup("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", s.Fingerprint)

	_, err = topo.Lookup("nobody")
	assert.ErrorIs(t, err, ErrUnknownServer)

	// a peer claiming localhost's fingerprint is dropped
	assert.Len(t, topo.Peers(), 1)
}

// TestNotifyTargets verifies topology-restricted fan-out.
func TestNotifyTargets(t *testing.T) {
	local := NewServer(ServerInfo{Fingerprint: "me", Networks: []string{"lan"}}, true)
	topo := NewTopology(local, []*Server{
		server("p2", []string{"lan"}, nil),
		server("p1", []string{"lan", "wan"}, nil),
		server("p3", []string{"wan"}, nil),
	})
	assert.Equal(t, []string{"p1", "p2"}, fingerprints(topo.NotifyTargets()))

	topo.Replace([]*Server{server("p3", []string{"wan"}, nil)})
	assert.Empty(t, topo.NotifyTargets())
}

// TestRelayTargets checks the gateway relay rule: a peer T receives a relayed
// notify from S iff T shares no network with S and T is inside one of
// localhost's gateway networks.
func TestRelayTargets(t *testing.T) {
	tests := []struct {
		name     string
		gateways []string
		sender   *Server
		peers    []*Server
		want     []string
	}{
		{
			name:     "not a gateway relays nothing",
			gateways: nil,
			sender:   server("s", []string{"lan"}, nil),
			peers:    []*Server{server("t", []string{"dmz"}, nil)},
			want:     []string{},
		},
		{
			name:     "peer behind gateway network",
			gateways: []string{"dmz"},
			sender:   server("s", []string{"lan"}, nil),
			peers:    []*Server{server("t", []string{"dmz"}, nil)},
			want:     []string{"t"},
		},
		{
			name:     "peer already reachable by sender",
			gateways: []string{"dmz"},
			sender:   server("s", []string{"lan", "dmz"}, nil),
			peers:    []*Server{server("t", []string{"dmz"}, nil)},
			want:     []string{},
		},
		{
			name:     "peer outside gateway networks",
			gateways: []string{"dmz"},
			sender:   server("s", []string{"lan"}, nil),
			peers:    []*Server{server("t", []string{"other"}, nil)},
			want:     []string{},
		},
		{
			name:     "sender is never a relay target",
			gateways: []string{"lan"},
			sender:   server("s", []string{"lan"}, nil),
			peers:    []*Server{server("s", []string{"lan"}, nil), server("t", []string{"lan"}, nil)},
			want:     []string{},
		},
		{
			name:     "mixed peers",
			gateways: []string{"dmz", "lab"},
			sender:   server("s", []string{"lan"}, nil),
			peers: []*Server{
				server("d", []string{"dmz"}, nil),
				server("l", []string{"lab", "lan"}, nil),
				server("x", []string{"lab"}, nil),
			},
			want: []string{"d", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := NewServer(ServerInfo{Fingerprint: "gw", Networks: []string{"lan"}, Gateways: tt.gateways}, true)
			topo := NewTopology(local, tt.peers)
			assert.Equal(t, tt.want, fingerprints(topo.RelayTargets(tt.sender)))
		})
	}
}
