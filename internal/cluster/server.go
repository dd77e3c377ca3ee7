package cluster

import (
	"fmt"
	"net"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// Server is one content-distribution daemon, either localhost or a peer.
// A Server is immutable after NewServer returns; reloads build new values.
type Server struct {
	Fingerprint string             // Unique, stable server identity
	Host        string             // Host name or IP used to dial the server
	Port        int                // TCP port of the daemon
	Networks    mapset.Set[string] // Networks the server is directly reachable on
	Gateways    mapset.Set[string] // Networks the server relays notify traffic into
	IsLocalhost bool               // True for the daemon's own Server
}

// ServerInfo is the serializable view of a Server used by status replies
// and persisted records.
type ServerInfo struct {
	Fingerprint string   `json:"fingerprint" toml:"fingerprint"`
	Host        string   `json:"host" toml:"host"`
	Port        int      `json:"port" toml:"port"`
	Networks    []string `json:"networks,omitempty" toml:"networks"`
	Gateways    []string `json:"gateways,omitempty" toml:"gateways"`
}

// NewServer builds a Server from its configuration view.
func NewServer(info ServerInfo, localhost bool) *Server {
	return &Server{
		Fingerprint: info.Fingerprint,
		Host:        info.Host,
		Port:        info.Port,
		Networks:    mapset.NewSet[string](info.Networks...),
		Gateways:    mapset.NewSet[string](info.Gateways...),
		IsLocalhost: localhost,
	}
}

// Info returns the serializable view with sorted membership lists.
func (s *Server) Info() ServerInfo {
	networks := s.Networks.ToSlice()
	gateways := s.Gateways.ToSlice()
	slices.Sort(networks)
	slices.Sort(gateways)
	return ServerInfo{
		Fingerprint: s.Fingerprint,
		Host:        s.Host,
		Port:        s.Port,
		Networks:    networks,
		Gateways:    gateways,
	}
}

// Addr returns the host:port dial address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SharesNetwork reports whether s and o have at least one network in common.
func (s *Server) SharesNetwork(o *Server) bool {
	return s.Networks.Intersect(o.Networks).Cardinality() > 0
}

// IsGateway reports whether s relays traffic for at least one network.
func (s *Server) IsGateway() bool {
	return s.Gateways.Cardinality() > 0
}

// ServesGatewayFor reports whether peer is a member of one of s's gateway
// networks.
func (s *Server) ServesGatewayFor(peer *Server) bool {
	return s.Gateways.Intersect(peer.Networks).Cardinality() > 0
}

func (s *Server) String() string {
	return fmt.Sprintf("%s@%s", s.Fingerprint, s.Addr())
}
