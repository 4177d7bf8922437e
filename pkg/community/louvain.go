package community

import "sort"

// gainEpsilon is the minimum modularity gain that justifies a move.
const gainEpsilon = 1e-12

type neighbor struct {
	j int
	w float64
}

// weightedGraph is an undirected graph over dense node indices. adj excludes
// self-loops, which live in self; self[i] holds A_ii, so a community's internal
// weight survives aggregation. k[i] is the weighted degree including self[i].
type weightedGraph struct {
	n    int
	adj  [][]neighbor // sorted by j
	self []float64
	k    []float64
	m2   float64 // total degree, 2m
}

func newWeightedGraph(n int, pairs map[[2]int]float64, self []float64) *weightedGraph {
	g := &weightedGraph{
		n:    n,
		adj:  make([][]neighbor, n),
		self: make([]float64, n),
		k:    make([]float64, n),
	}
	copy(g.self, self)

	keys := make([][2]int, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a][0] != keys[b][0] {
			return keys[a][0] < keys[b][0]
		}
		return keys[a][1] < keys[b][1]
	})
	for _, key := range keys {
		i, j, w := key[0], key[1], pairs[key]
		g.adj[i] = append(g.adj[i], neighbor{j: j, w: w})
		g.adj[j] = append(g.adj[j], neighbor{j: i, w: w})
	}
	for i := 0; i < n; i++ {
		sort.Slice(g.adj[i], func(a, b int) bool { return g.adj[i][a].j < g.adj[i][b].j })
		g.k[i] = g.self[i]
		for _, e := range g.adj[i] {
			g.k[i] += e.w
		}
		g.m2 += g.k[i]
	}
	return g
}

// localMove runs the Louvain local-moving phase to convergence and returns a
// compact community index per node. Communities are numbered by their lowest node.
//
// Nodes are visited in index order. A node moves only for a strictly positive gain
// over staying put; among equal best gains the lowest community label wins.
func localMove(g *weightedGraph, gamma float64, maxSweeps int) []int {
	comm := make([]int, g.n)
	tot := make([]float64, g.n)
	for i := range comm {
		comm[i] = i
		tot[i] = g.k[i]
	}
	if g.m2 == 0 {
		return compact(comm)
	}

	weights := make(map[int]float64)
	var labels []int
	for sweep := 0; sweep < maxSweeps; sweep++ {
		moved := false
		for i := 0; i < g.n; i++ {
			ki := g.k[i]
			if len(g.adj[i]) == 0 {
				continue
			}
			own := comm[i]

			clear(weights)
			labels = labels[:0]
			for _, e := range g.adj[i] {
				c := comm[e.j]
				if _, ok := weights[c]; !ok {
					labels = append(labels, c)
				}
				weights[c] += e.w
			}
			sort.Ints(labels)

			tot[own] -= ki
			best := own
			bestGain := weights[own] - gamma*tot[own]*ki/g.m2
			for _, c := range labels {
				if c == own {
					continue
				}
				gain := weights[c] - gamma*tot[c]*ki/g.m2
				if gain > bestGain+gainEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += ki
			if best != own {
				comm[i] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return compact(comm)
}

// compact renumbers labels 0..c-1 in order of first appearance.
func compact(comm []int) []int {
	next := 0
	seen := make(map[int]int)
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := seen[c]
		if !ok {
			id = next
			seen[c] = id
			next++
		}
		out[i] = id
	}
	return out
}

func count(comm []int) int {
	n := 0
	for _, c := range comm {
		if c+1 > n {
			n = c + 1
		}
	}
	return n
}

// aggregate collapses each community into a super-node. Internal weight becomes
// the super-node's self-loop; edges between communities are summed.
func aggregate(g *weightedGraph, comm []int) *weightedGraph {
	n := count(comm)
	self := make([]float64, n)
	pairs := make(map[[2]int]float64)
	for i := 0; i < g.n; i++ {
		ci := comm[i]
		self[ci] += g.self[i]
		for _, e := range g.adj[i] {
			cj := comm[e.j]
			switch {
			case ci == cj:
				// Seen from both endpoints, which matches A_ii double counting.
				self[ci] += e.w
			case ci < cj:
				pairs[[2]int{ci, cj}] += e.w
			}
		}
	}
	return newWeightedGraph(n, pairs, self)
}

// modularity computes Q = sum_c [ in_c/2m - gamma*(tot_c/2m)^2 ].
func modularity(g *weightedGraph, comm []int, gamma float64) float64 {
	if g.m2 == 0 {
		return 0
	}
	n := count(comm)
	in := make([]float64, n)
	tot := make([]float64, n)
	for i := 0; i < g.n; i++ {
		c := comm[i]
		tot[c] += g.k[i]
		in[c] += g.self[i]
		for _, e := range g.adj[i] {
			if comm[e.j] == c {
				in[c] += e.w
			}
		}
	}
	q := 0.0
	for c := 0; c < n; c++ {
		frac := tot[c] / g.m2
		q += in[c]/g.m2 - gamma*frac*frac
	}
	return q
}
