package task

import (
	"sort"

	"gridmesh/internal/peer"
)

// PeerTable is the router's view of known peers. The peer store
// satisfies it; tests inject fakes for deterministic routing.
type PeerTable interface {
	FindBySkill(skill string) []peer.Info
}

// Router ranks candidate executors for a task by capability, trust and
// historical success, breaking ties with observed latency.
type Router struct {
	peers   PeerTable
	metrics *MetricsTable
}

func NewRouter(peers PeerTable, metrics *MetricsTable) *Router {
	return &Router{peers: peers, metrics: metrics}
}

// Candidate is one ranked executor.
type Candidate struct {
	Info  peer.Info
	Score float64
}

// Rank returns capable peers, best first. Peers that cannot compute or
// lack the skill never appear.
func (r *Router) Rank(capability string) []Candidate {
	infos := r.peers.FindBySkill(capability)
	out := make([]Candidate, 0, len(infos))
	for _, info := range infos {
		if !info.Capabilities.CanCompute {
			continue
		}
		m := r.metrics.Get(info.NodeID)
		out = append(out, Candidate{
			Info:  info,
			Score: score(info.TrustScore, m.SuccessRate()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		li := r.metrics.Latency(out[i].Info.NodeID)
		lj := r.metrics.Latency(out[j].Info.NodeID)
		if li == 0 {
			return false
		}
		if lj == 0 {
			return true
		}
		return li < lj
	})
	return out
}

// score weighs learned reliability above static trust.
func score(trust, successRate float64) float64 {
	return 0.4*trust + 0.6*successRate
}
