package main

import "testing"

func TestAcyclic(t *testing.T) {
	tests := []struct {
		name  string
		nodes []int64
		edges []edge
		want  bool
	}{
		{name: "empty", nodes: []int64{1, 2}, want: true},
		{name: "chain", nodes: []int64{1, 2, 3}, edges: []edge{{1, 2}, {2, 3}}, want: true},
		{name: "diamond", nodes: []int64{1, 2, 3, 4}, edges: []edge{{1, 2}, {1, 3}, {2, 4}, {3, 4}}, want: true},
		{name: "two cycle", nodes: []int64{1, 2}, edges: []edge{{1, 2}, {2, 1}}, want: false},
		{name: "three cycle", nodes: []int64{1, 2, 3}, edges: []edge{{1, 2}, {2, 3}, {3, 1}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := acyclic(tt.nodes, tt.edges); got != tt.want {
				t.Fatalf("acyclic = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_SmallGraphStaysAcyclic(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a sqlite database")
	}
	if err := run(5, 4); err != nil {
		t.Fatalf("run: %v", err)
	}
}
