package peertest

import (
	"net"
	"sort"
	"strconv"

	"peerlink/pkg/peer"
)

// StatsCalls returns how many statistics queries the connection answered
func (c *PeerConnection) StatsCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsCalls
}

// pairState counts the query and reports whether the selected pair is visible yet
func (c *PeerConnection) pairState() (selected bool, err error) {
	c.mu.Lock()
	c.statsCalls++
	calls := c.statsCalls
	c.mu.Unlock()

	if c.net.Stats == StatsFailing {
		return false, ErrStats
	}
	return calls > c.net.PairDelay, nil
}

// endpoints returns the local and remote "ip", port values of the connection
func (c *PeerConnection) endpoints() (lip string, lport int, rip string, rport int) {
	c.mu.Lock()
	partner := c.partner
	c.mu.Unlock()

	lip, lport = c.ip(), c.port()
	rip, rport = "0.0.0.0", 0
	if partner != nil {
		rip, rport = partner.ip(), partner.port()
	}
	return
}

type statsConn struct {
	*PeerConnection
}

// GetStats implements peer.StatsProvider
func (c *statsConn) GetStats() ([]peer.StatsReport, error) {
	selected, err := c.pairState()
	if err != nil {
		return nil, err
	}
	lip, lport, rip, rport := c.endpoints()

	if c.net.Stats == StatsSelectedPair {
		pair := map[string]string{"localCandidateId": "L1", "remoteCandidateId": "R1"}
		if selected {
			pair["selected"] = "true"
		}
		return []peer.StatsReport{
			{ID: "L1", Type: "localcandidate", Values: map[string]string{"ipAddress": lip, "portNumber": strconv.Itoa(lport)}},
			{ID: "P1", Type: "candidatepair", Values: pair},
			{ID: "R1", Type: "remotecandidate", Values: map[string]string{"ipAddress": rip, "portNumber": strconv.Itoa(rport)}},
		}, nil
	}

	transport := map[string]string{}
	if selected {
		transport["selectedCandidatePairId"] = "P1"
	}
	return []peer.StatsReport{
		{ID: "L1", Type: "local-candidate", Values: map[string]string{"ip": lip, "port": strconv.Itoa(lport)}},
		{ID: "P1", Type: "candidate-pair", Values: map[string]string{"localCandidateId": "L1", "remoteCandidateId": "R1"}},
		{ID: "R1", Type: "remote-candidate", Values: map[string]string{"ip": rip, "port": strconv.Itoa(rport)}},
		{ID: "T1", Type: "transport", Values: transport},
	}, nil
}

type legacyStatsConn struct {
	*PeerConnection
}

// GetLegacyStats implements peer.LegacyStatsProvider
func (c *legacyStatsConn) GetLegacyStats() ([]peer.LegacyStat, error) {
	selected, err := c.pairState()
	if err != nil {
		return nil, err
	}
	lip, lport, rip, rport := c.endpoints()

	return []peer.LegacyStat{
		&legacyStat{id: "Conn-audio-1-0", typ: "googCandidatePair", values: map[string]string{
			"googActiveConnection": strconv.FormatBool(selected),
			"googLocalAddress":     net.JoinHostPort(lip, strconv.Itoa(lport)),
			"googRemoteAddress":    net.JoinHostPort(rip, strconv.Itoa(rport)),
		}},
	}, nil
}

type legacyStat struct {
	id     string
	typ    string
	values map[string]string
}

func (s *legacyStat) ID() string              { return s.id }
func (s *legacyStat) Type() string            { return s.typ }
func (s *legacyStat) Stat(name string) string { return s.values[name] }

func (s *legacyStat) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
