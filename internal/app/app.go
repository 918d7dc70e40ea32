package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "match":
		return runMatch(args[1:])
	case "coherence":
		return runCoherence(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "pair":
		return runPair(args[1:])
	case "deactivate":
		return runDeactivate(args[1:])
	case "clusters":
		return runClusters(args[1:])
	case "fingerprint":
		return runFingerprint(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "geostory CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  geostory <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health       Verify database connectivity and report table sizes")
	fmt.Fprintln(os.Stderr, "  match        Match gazetteer places in one article or all pending articles")
	fmt.Fprintln(os.Stderr, "  coherence    Re-rank ambiguous place mentions by geographic agreement")
	fmt.Fprintln(os.Stderr, "  cluster      Attach one article to its best matching story cluster")
	fmt.Fprintln(os.Stderr, "  pair         Join or group unclustered articles into story clusters")
	fmt.Fprintln(os.Stderr, "  deactivate   Mark clusters without recent updates inactive")
	fmt.Fprintln(os.Stderr, "  clusters     List story clusters")
	fmt.Fprintln(os.Stderr, "  fingerprint  Backfill content fingerprints for articles")
	fmt.Fprintln(os.Stderr, "  process      Run match + coherence + pair + deactivate in sequence")
	fmt.Fprintln(os.Stderr, "  run-once     Alias for process")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"geostory <command> -h\" for command-specific flags.")
}
