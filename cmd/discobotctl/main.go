// Package main is discobotctl, a small operational CLI against the
// control plane's database: inspect the job queue, inspect or force the
// dispatcher lease, and run schema migration standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wskish/discobot/internal/common/config"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: discobotctl <command>

commands:
  migrate              create or update the database schema
  queue-status         print pending/running/failed job counts
  leader               print the current dispatcher leader
  take-leadership <id> force-acquire the dispatcher lease for <id>
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("load configuration: %v", err)
	}

	st, err := sqlstore.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		// Open already runs initSchema; reaching here means it succeeded.
		fmt.Println("schema up to date")

	case "queue-status":
		if err := queueStatus(ctx, st); err != nil {
			fatal("queue status: %v", err)
		}

	case "leader":
		leader, err := st.GetLeader(ctx)
		if err != nil {
			fmt.Println("no leader")
			return
		}
		fmt.Printf("%s (heartbeat %s, acquired %s)\n",
			leader.ServerID,
			leader.HeartbeatAt.Format(time.RFC3339),
			leader.AcquiredAt.Format(time.RFC3339))

	case "take-leadership":
		if len(os.Args) < 3 {
			usage()
		}
		// Force by releasing whoever holds it first.
		if leader, err := st.GetLeader(ctx); err == nil {
			_ = st.ReleaseLeadership(ctx, leader.ServerID)
		}
		ok, err := st.TryAcquireLeadership(ctx, os.Args[2], 30*time.Second)
		if err != nil {
			fatal("acquire leadership: %v", err)
		}
		if !ok {
			fatal("lease still held")
		}
		fmt.Printf("leadership acquired by %s\n", os.Args[2])

	default:
		usage()
	}
}

func queueStatus(ctx context.Context, st *sqlstore.SQLStore) error {
	for _, status := range []model.JobStatus{
		model.JobStatusPending, model.JobStatusRunning, model.JobStatusCompleted, model.JobStatusFailed,
	} {
		n, err := st.CountJobsByStatus(ctx, status)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %d\n", status, n)
	}
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "discobotctl: "+format+"\n", args...)
	os.Exit(1)
}
