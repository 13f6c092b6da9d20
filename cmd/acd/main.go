package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/acd/internal/daemon"
	"github.com/msageha/acd/internal/model"
	"github.com/msageha/acd/internal/setup"
	"github.com/msageha/acd/internal/status"
	"github.com/msageha/acd/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "move":
		runMove(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "operator":
		runOperator(os.Args[2:])
	case "sweep":
		ack, err := client().Sweep()
		report("sweep", ack, err)
	case "shutdown":
		ack, err := client().Shutdown()
		report("shutdown", ack, err)
	case "version":
		fmt.Printf("acd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: acd init <project_dir> [--name <name>]")
		os.Exit(1)
	}
	var name string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			name = flagValue(rest, &i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	base, err := setup.Run(args[0], name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runDaemon(_ []string) {
	dir := requireDir()

	cfg, err := model.LoadConfig(filepath.Join(dir, daemon.ConfigFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: acd submit <queue> [--priority N] [--caller NUMBER] [--leg ID] [--scenario NAME]")
		os.Exit(1)
	}
	params := uds.SubmitParams{Queue: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--priority":
			v := flagValue(rest, &i)
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", v)
				os.Exit(1)
			}
			params.Priority = n
		case "--caller":
			params.CallerNumber = flagValue(rest, &i)
		case "--leg":
			params.CallerLeg = flagValue(rest, &i)
		case "--scenario":
			params.Scenario = flagValue(rest, &i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	res, err := client().Submit(params)
	report("submit", res, err)
}

func runCancel(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: acd cancel <request_id>")
		os.Exit(1)
	}
	res, err := client().Cancel(parseID(args[0]))
	report("cancel", res, err)
}

func runMove(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: acd move <request_id> <queue>")
		os.Exit(1)
	}
	res, err := client().Move(parseID(args[0]), args[1])
	report("move", res, err)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: acd status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(requireDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runOperator(args []string) {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		fmt.Fprintln(os.Stderr, "usage: acd operator <id> <on|off>")
		os.Exit(1)
	}
	res, err := client().SetOperatorActive(args[0], args[1] == "on")
	report("operator", res, err)
}

func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "invalid request id: %s\n", s)
		os.Exit(1)
	}
	return id
}

func client() *uds.Client {
	return uds.NewClient(filepath.Join(requireDir(), uds.DefaultSocketName))
}

// report prints a command result as JSON, or the error and exits.
func report(label string, result any, err error) {
	if err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", label, detail.Code, detail.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		}
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func requireDir() string {
	dir := findDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .acd/ directory not found. Run 'acd init <dir>' first or set ACD_DIR.")
		os.Exit(1)
	}
	return dir
}

// findDir honours ACD_DIR, then walks up from the working directory
// looking for .acd/.
func findDir() string {
	if env := os.Getenv("ACD_DIR"); env != "" {
		return env
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `acd %s - automatic call distribution

Usage: acd <command> [options]

Setup:
  init <dir> [--name N]       Create .acd/ with a starter config
  daemon                      Run the dispatcher daemon

Calls:
  submit <queue> [flags]      Queue a call (--priority, --caller, --leg, --scenario)
  cancel <request_id>         Drop a waiting call
  move <request_id> <queue>   Move a waiting call to another queue
  sweep                       Re-run every queue now

Operators:
  operator <id> <on|off>      Set operator availability

Monitoring:
  status [--json]             Show queues and operators
  shutdown                    Stop the daemon gracefully
  version                     Show version
  help                        Show this help

`, version)
}
