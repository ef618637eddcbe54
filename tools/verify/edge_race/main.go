// edge_race hammers one session with concurrent edge insertions that would
// close cycles if any two of them interleaved, then verifies with an
// independent topological scan that the stored graph is still acyclic.
//
// Usage:
//
//	go run ./tools/verify/edge_race/ [-tasks 12] [-workers 8]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/basket/taskdag/internal/persistence"
)

const sessionID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

func main() {
	tasks := flag.Int("tasks", 12, "tasks in the session")
	workers := flag.Int("workers", 8, "concurrent writers")
	flag.Parse()

	if err := run(*tasks, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (edge_race)")
}

func run(taskCount, workers int) error {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "taskdag-edge-race-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "taskdag.db"), nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sess, err := store.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	ids := make([]int64, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		t, err := sess.CreateTask(ctx, persistence.TaskInput{Name: fmt.Sprintf("race-%d", i)})
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		ids = append(ids, t.ID)
	}

	// Every ordered pair once, shuffled, so both a->b and b->a are attempted.
	type pair struct{ from, to int64 }
	var pairs []pair
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				pairs = append(pairs, pair{a, b})
			}
		}
	}
	rand.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })

	work := make(chan pair)
	var accepted, rejected, transient atomic.Int64
	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				_, err := sess.AddDependency(ctx, p.from, p.to)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, persistence.ErrConflict):
					rejected.Add(1)
				case errors.Is(err, persistence.ErrTransient):
					transient.Add(1)
				default:
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}
	for _, p := range pairs {
		work <- p
	}
	close(work)
	wg.Wait()
	if firstErr != nil {
		return fmt.Errorf("add dependency: %w", firstErr)
	}

	edges, err := loadEdges(ctx, store)
	if err != nil {
		return err
	}
	fmt.Printf("attempted=%d accepted=%d rejected=%d transient=%d stored_edges=%d\n",
		len(pairs), accepted.Load(), rejected.Load(), transient.Load(), len(edges))

	if int64(len(edges)) != accepted.Load() {
		return fmt.Errorf("stored %d edges but %d insertions were accepted", len(edges), accepted.Load())
	}
	if !acyclic(ids, edges) {
		return errors.New("stored graph contains a cycle")
	}
	return nil
}

type edge struct{ from, to int64 }

func loadEdges(ctx context.Context, store *persistence.Store) ([]edge, error) {
	rows, err := store.DB().QueryContext(ctx, `SELECT from_task_id, to_task_id FROM dependencies;`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	var out []edge
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.from, &e.to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// acyclic reports whether Kahn's algorithm can order every node.
func acyclic(nodes []int64, edges []edge) bool {
	indegree := make(map[int64]int, len(nodes))
	out := make(map[int64][]int64, len(nodes))
	for _, n := range nodes {
		indegree[n] = 0
	}
	for _, e := range edges {
		out[e.from] = append(out[e.from], e.to)
		indegree[e.to]++
	}
	var queue []int64
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	seen := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen++
		for _, m := range out[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	return seen == len(indegree)
}
