// Package status renders the call-centre view for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/acd/internal/model"
	"github.com/msageha/acd/internal/uds"
	acdyaml "github.com/msageha/acd/internal/yaml"
)

type Report struct {
	Daemon DaemonStatus        `json:"daemon"`
	Source string              `json:"source"`
	State  model.StateSnapshot `json:"state"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// Run collects the status for the daemon rooted at dir and prints it to w.
// A stopped daemon falls back to the last snapshot it wrote.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	report, err := Collect(dir)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	Print(w, report)
	return nil
}

// Collect asks the daemon for a live snapshot, or reads state/queues.yaml
// when the daemon is not reachable.
func Collect(dir string) (Report, error) {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	report := Report{Daemon: checkDaemon(client)}
	if report.Daemon.Running {
		snap, err := client.Status()
		if err != nil {
			return report, fmt.Errorf("status: %w", err)
		}
		report.State = snap
		report.Source = "live"
		return report, nil
	}

	path := filepath.Join(dir, "state", "queues.yaml")
	if err := acdyaml.ValidateSchemaHeader(path, acdyaml.FileTypeStateQueues); err != nil {
		return report, fmt.Errorf("daemon not running and no usable snapshot: %w", err)
	}
	if err := acdyaml.Read(path, &report.State); err != nil {
		return report, err
	}
	report.Source = "snapshot"
	return report, nil
}

func checkDaemon(client *uds.Client) DaemonStatus {
	pong, err := client.Ping()
	if err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, Pid: pong.PID}
}

// Print writes the human-readable form of r.
func Print(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)
	} else {
		fmt.Fprintf(w, "Daemon: stopped (snapshot %s)\n", r.State.UpdatedAt)
	}

	if len(r.State.Queues) > 0 {
		fmt.Fprintln(w, "\nQueues:")
		fmt.Fprintf(w, "  %-14s  %7s  %7s  %9s\n", "NAME", "WAITING", "ACTIVE", "AVG_TALK")
		for _, q := range r.State.Queues {
			avg := time.Duration(q.AvgCallDurationMs) * time.Millisecond
			fmt.Fprintf(w, "  %-14s  %7d  %7d  %9s\n", q.Name, q.Length, q.ActiveOperators, avg.Round(time.Second))
			for _, req := range q.Requests {
				fmt.Fprintf(w, "    #%-4d id=%-8d prio=%-3d step=%-2d %s\n",
					req.Position, req.RequestID, req.Priority, req.OnBusyStep, req.Summary)
			}
		}
	} else {
		fmt.Fprintln(w, "\nQueues: none")
	}

	if len(r.State.Operators) > 0 {
		fmt.Fprintln(w, "\nOperators:")
		for _, op := range r.State.Operators {
			fmt.Fprintf(w, "  %-14s  %-8s  handled=%d/%d  %s\n",
				op.ID, operatorState(op), op.Stats.Handled, op.Stats.Total, op.SessionID)
		}
	}
}

func operatorState(op model.OperatorSnapshot) string {
	switch {
	case !op.Active:
		return "off"
	case op.SessionID != "":
		return "on-call"
	case op.Busy:
		return "resting"
	default:
		return "ready"
	}
}
