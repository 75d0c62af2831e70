package cluster

// dbscan clusters subgraph nodes with correlation distance d = 1 - |r|.
// Two nodes are neighbors when an edge exists and its distance is within
// eps. Nodes without minPts neighbors stay noise unless reachable from a
// core node; noise is returned as community -1.
func dbscan(sg *subgraph, eps float64, minPts int) []int {
	const (
		unvisited = -2
		noise     = -1
	)
	n := len(sg.ids)
	comm := make([]int, n)
	for i := range comm {
		comm[i] = unvisited
	}

	neighbors := func(i int) []int {
		var out []int
		for _, e := range sg.adj[i] {
			if 1-e.weight <= eps {
				out = append(out, e.to)
			}
		}
		return out
	}

	next := 0
	for i := 0; i < n; i++ {
		if comm[i] != unvisited {
			continue
		}
		seeds := neighbors(i)
		// The point itself counts toward density.
		if len(seeds)+1 < minPts {
			comm[i] = noise
			continue
		}
		comm[i] = next
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if comm[j] == noise {
				comm[j] = next // border point adopted by the cluster
			}
			if comm[j] != unvisited {
				continue
			}
			comm[j] = next
			more := neighbors(j)
			if len(more)+1 >= minPts {
				seeds = append(seeds, more...)
			}
		}
		next++
	}
	return comm
}
