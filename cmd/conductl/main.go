package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const usage = `conductl - conductor control client

Usage:
  conductl [-server URL] <command> [args]

Commands:
  status                     fleet health summary
  workers                    list supervised workers
  reset <worker>             clear a worker's restart budget
  workflows                  list registered workflows
  run <workflow> [json]      execute a workflow with an optional payload
  executions                 list executions
  cancel <execution-id>      cancel a running execution
  tasks                      list coordinator tasks
`

func main() {
	server := flag.String("server", "http://localhost:8080", "conductor server URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "status":
		getPretty(*server, "/api/health")
	case "workers":
		listWorkers(*server)
	case "reset":
		requireArg(args, 2, "reset <worker>")
		postPretty(*server, "/api/workers/"+args[1]+"/reset", nil)
	case "workflows":
		getPretty(*server, "/api/workflows")
	case "run":
		requireArg(args, 2, "run <workflow> [json]")
		runWorkflow(*server, args[1], args[2:])
	case "executions":
		getPretty(*server, "/api/executions")
	case "cancel":
		requireArg(args, 2, "cancel <execution-id>")
		postPretty(*server, "/api/executions/"+args[1]+"/cancel", nil)
	case "tasks":
		getPretty(*server, "/api/tasks")
	default:
		printError("unknown command %q", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func requireArg(args []string, n int, form string) {
	if len(args) < n {
		printError("usage: conductl %s", form)
		os.Exit(2)
	}
}

func listWorkers(server string) {
	resp, err := http.Get(server + "/api/workers")
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var workers []struct {
		Name      string   `json:"name"`
		State     string   `json:"state"`
		Enabled   bool     `json:"enabled"`
		Failures  int      `json:"consecutive_failures"`
		Restarts  int      `json:"restarts"`
		Exhausted bool     `json:"restart_budget_exhausted"`
		Scopes    []string `json:"scopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		printError("parse response: %v", err)
		os.Exit(1)
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return
	}
	for _, w := range workers {
		icon := "\033[31m✗\033[0m"
		if w.State == "running" {
			icon = "\033[32m✓\033[0m"
		}
		fmt.Printf("  %s %-20s %-10s failures=%d restarts=%d", icon, w.Name, w.State, w.Failures, w.Restarts)
		if w.Exhausted {
			fmt.Print(" \033[31m(restart budget exhausted)\033[0m")
		}
		if len(w.Scopes) > 0 {
			fmt.Printf(" scopes=%v", w.Scopes)
		}
		fmt.Println()
	}
}

func runWorkflow(server, name string, rest []string) {
	payload := json.RawMessage(`{}`)
	if len(rest) > 0 {
		if !json.Valid([]byte(rest[0])) {
			printError("payload is not valid JSON: %s", rest[0])
			os.Exit(2)
		}
		payload = json.RawMessage(rest[0])
	}

	body, _ := json.Marshal(map[string]interface{}{"payload": payload})
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(server+"/api/workflows/"+name+"/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	printBody(resp)
}

func getPretty(server, path string) {
	resp, err := http.Get(server + path)
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	printBody(resp)
}

func postPretty(server, path string, body []byte) {
	resp, err := http.Post(server+path, "application/json", bytes.NewReader(body))
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	printBody(resp)
}

func printBody(resp *http.Response) {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		printError("server error (%d): %s", resp.StatusCode, string(data))
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(data))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
