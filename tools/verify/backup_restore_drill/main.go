// backup_restore_drill builds a task graph, snapshots the database with
// VACUUM INTO, reopens the copy and checks that every task and edge came
// back and that the graph is still acyclic.
//
// Usage:
//
//	go run ./tools/verify/backup_restore_drill/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskdag/internal/persistence"
)

const (
	sessionID = "6a2a1f8e-0087-4ca2-b229-80539598d91d"
	chainLen  = 40
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskdag-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "taskdag.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	sess, err := store.Session(ctx, sessionID)
	if err != nil {
		fmt.Printf("open_session_error=%v\n", err)
		os.Exit(1)
	}
	// A chain t0 <- t1 <- ... so every task but the first has one edge.
	var prev int64
	for i := 0; i < chainLen; i++ {
		task, err := sess.CreateTask(ctx, persistence.TaskInput{Name: fmt.Sprintf("backup-%d", i)})
		if err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if prev != 0 {
			if _, err := sess.AddDependency(ctx, task.ID, prev); err != nil {
				fmt.Printf("add_dependency_error=%v\n", err)
				os.Exit(1)
			}
		}
		prev = task.ID
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restored.Counts(ctx)
	if err != nil {
		fmt.Printf("count_error=%v\n", err)
		os.Exit(1)
	}
	rsess, err := restored.Session(ctx, sessionID)
	if err != nil {
		fmt.Printf("open_restored_session_error=%v\n", err)
		os.Exit(1)
	}
	tasks, err := rsess.ListTasks(ctx)
	if err != nil {
		fmt.Printf("list_tasks_error=%v\n", err)
		os.Exit(1)
	}
	edges := 0
	for _, t := range tasks {
		edges += len(t.Dependencies)
	}
	// Closing the chain must still be refused by the restored copy.
	_, cycleErr := rsess.AddDependency(ctx, tasks[0].ID, tasks[len(tasks)-1].ID)

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", counts.Tasks)
	fmt.Printf("restored_dependencies=%d\n", counts.Dependencies)
	fmt.Printf("session_edges=%d\n", edges)
	fmt.Printf("cycle_rejected=%t\n", errors.Is(cycleErr, persistence.ErrConflict))

	if counts.Tasks != chainLen || counts.Dependencies != chainLen-1 || edges != chainLen-1 || !errors.Is(cycleErr, persistence.ErrConflict) {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
