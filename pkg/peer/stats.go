package peer

import (
	"net"
	"strconv"
)

// StatsReport is one statistics entry normalized to string values
type StatsReport struct {
	ID     string
	Type   string
	Values map[string]string
}

// Get returns the named value
func (r StatsReport) Get(key string) (string, bool) {
	v, ok := r.Values[key]
	return v, ok
}

func (r StatsReport) flag(key string) bool {
	b, err := strconv.ParseBool(r.Values[key])
	return err == nil && b
}

// collectStats queries the engine in whichever shape it supports. Engines
// supporting neither report nothing.
func collectStats(pc PeerConnection) ([]StatsReport, error) {
	if sp, ok := pc.(StatsProvider); ok {
		return sp.GetStats()
	}
	if lp, ok := pc.(LegacyStatsProvider); ok {
		stats, err := lp.GetLegacyStats()
		if err != nil {
			return nil, err
		}
		return flattenLegacy(stats), nil
	}
	return []StatsReport{}, nil
}

func flattenLegacy(stats []LegacyStat) []StatsReport {
	reports := make([]StatsReport, 0, len(stats))
	for _, s := range stats {
		values := make(map[string]string)
		for _, name := range s.Names() {
			values[name] = s.Stat(name)
		}
		reports = append(reports, StatsReport{ID: s.ID(), Type: s.Type(), Values: values})
	}
	return reports
}

// Entry types appear both hyphenated and not, depending on the engine
func isLocalCandidate(t string) bool  { return t == "local-candidate" || t == "localcandidate" }
func isRemoteCandidate(t string) bool { return t == "remote-candidate" || t == "remotecandidate" }
func isCandidatePair(t string) bool   { return t == "candidate-pair" || t == "candidatepair" }

type statsIndex struct {
	reports []StatsReport
	local   map[string]StatsReport
	remote  map[string]StatsReport
	pairs   map[string]StatsReport
}

func indexStats(reports []StatsReport) statsIndex {
	ix := statsIndex{
		reports: reports,
		local:   make(map[string]StatsReport),
		remote:  make(map[string]StatsReport),
		pairs:   make(map[string]StatsReport),
	}
	for _, r := range reports {
		switch {
		case isLocalCandidate(r.Type):
			ix.local[r.ID] = r
		case isRemoteCandidate(r.Type):
			ix.remote[r.ID] = r
		case isCandidatePair(r.Type):
			ix.pairs[r.ID] = r
		}
	}
	return ix
}

// pairStrategy locates the selected candidate pair in one reporting shape
type pairStrategy struct {
	name string
	find func(ix statsIndex) (StatsReport, bool)
}

var pairStrategies = []pairStrategy{
	{
		name: "transport-selected",
		find: func(ix statsIndex) (StatsReport, bool) {
			for _, r := range ix.reports {
				if r.Type != "transport" {
					continue
				}
				if pair, ok := ix.pairs[r.Values["selectedCandidatePairId"]]; ok {
					return pair, true
				}
			}
			return StatsReport{}, false
		},
	},
	{
		name: "active-pair",
		find: func(ix statsIndex) (StatsReport, bool) {
			for _, r := range ix.reports {
				if r.Type == "googCandidatePair" && r.Values["googActiveConnection"] == "true" {
					return r, true
				}
				if isCandidatePair(r.Type) && r.flag("selected") {
					return r, true
				}
			}
			return StatsReport{}, false
		},
	},
}

// Endpoint is one side of a resolved candidate pair
type Endpoint struct {
	Address string
	Port    int
}

// addrStrategy extracts one side's endpoint from a candidate entry or the pair itself
type addrStrategy struct {
	name    string
	extract func(candidate, pair StatsReport, pairKey string) (Endpoint, bool)
}

var addrStrategies = []addrStrategy{
	{
		name: "spec",
		extract: func(c, _ StatsReport, _ string) (Endpoint, bool) {
			ip := c.Values["ip"]
			if ip == "" {
				ip = c.Values["address"]
			}
			if ip == "" {
				return Endpoint{}, false
			}
			return Endpoint{Address: ip, Port: atoi(c.Values["port"])}, true
		},
	},
	{
		name: "legacy",
		extract: func(c, _ StatsReport, _ string) (Endpoint, bool) {
			ip := c.Values["ipAddress"]
			if ip == "" {
				return Endpoint{}, false
			}
			return Endpoint{Address: ip, Port: atoi(c.Values["portNumber"])}, true
		},
	},
	{
		name: "goog",
		extract: func(_, pair StatsReport, key string) (Endpoint, bool) {
			hostport, ok := pair.Values[key]
			if !ok || hostport == "" {
				return Endpoint{}, false
			}
			host, port, err := net.SplitHostPort(hostport)
			if err != nil {
				return Endpoint{Address: hostport}, true
			}
			return Endpoint{Address: host, Port: atoi(port)}, true
		},
	},
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// resolution is the outcome of one endpoint-resolution pass
type resolution struct {
	pairStrategy string
	local        Endpoint
	remote       Endpoint
}

// resolveEndpoints applies the pair strategies then the address strategies,
// each in priority order. found is false when no selected pair exists.
func resolveEndpoints(reports []StatsReport) (res resolution, found bool) {
	ix := indexStats(reports)

	var pair StatsReport
	for _, s := range pairStrategies {
		if p, ok := s.find(ix); ok {
			pair, found = p, true
			res.pairStrategy = s.name
			break
		}
	}
	if !found {
		return res, false
	}

	res.local = extractEndpoint(ix.local[pair.Values["localCandidateId"]], pair, "googLocalAddress")
	res.remote = extractEndpoint(ix.remote[pair.Values["remoteCandidateId"]], pair, "googRemoteAddress")
	return res, true
}

func extractEndpoint(candidate, pair StatsReport, pairKey string) Endpoint {
	for _, s := range addrStrategies {
		if ep, ok := s.extract(candidate, pair, pairKey); ok {
			return ep
		}
	}
	return Endpoint{}
}

// addressFamily classifies an address the way net.Addr consumers expect
func addressFamily(addr string) string {
	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return ""
	case ip.To4() != nil:
		return "IPv4"
	default:
		return "IPv6"
	}
}
