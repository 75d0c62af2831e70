package cluster

// louvain assigns each subgraph node to a community by greedy weighted
// modularity optimization. Every node starts in its own community; each
// pass tries moving every node into the neighboring community with the
// best modularity gain, tie-broken toward the smaller community id.
// Passes repeat until one produces no move or maxIterations is reached.
func louvain(sg *subgraph, maxIterations int) []int {
	n := len(sg.ids)
	comm := make([]int, n)
	degree := make([]float64, n)
	var m2 float64 // twice the total edge weight
	for i := range sg.adj {
		comm[i] = i
		for _, e := range sg.adj[i] {
			degree[i] += e.weight
			m2 += e.weight
		}
	}
	if m2 == 0 {
		return comm
	}

	// commTotal[c] is the summed weighted degree of community c.
	commTotal := make([]float64, n)
	copy(commTotal, degree)

	if maxIterations < 1 {
		maxIterations = 1
	}
	for iter := 0; iter < maxIterations; iter++ {
		improved := false
		for i := 0; i < n; i++ {
			current := comm[i]

			// Weight from i into each neighboring community.
			toComm := make(map[int]float64)
			for _, e := range sg.adj[i] {
				toComm[comm[e.to]] += e.weight
			}

			// Detach i while evaluating moves.
			commTotal[current] -= degree[i]

			bestComm := current
			bestGain := toComm[current] - degree[i]*commTotal[current]/m2
			for c, w := range toComm {
				if c == current {
					continue
				}
				gain := w - degree[i]*commTotal[c]/m2
				if gain > bestGain || (gain == bestGain && c < bestComm) {
					bestComm = c
					bestGain = gain
				}
			}

			commTotal[bestComm] += degree[i]
			if bestComm != current {
				comm[i] = bestComm
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return comm
}
