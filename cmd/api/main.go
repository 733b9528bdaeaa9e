// cmd/api is a thin operator CLI against the core's admin HTTP surface
// (§6). It deliberately does not open the PQS itself: SQLite's single-writer
// contract (§4.1) means only the worker process may hold that connection,
// so this binary is a client, not a second copy of the server the teacher's
// cmd/api used to be.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of a running hsm-recall-core worker's admin API")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var (
		method string
		path   string
	)
	switch args[0] {
	case "requests":
		method, path = http.MethodGet, "/requests"
	case "drives":
		method, path = http.MethodGet, "/drives"
	case "failed-events":
		method, path = http.MethodGet, "/events/failed"
	case "suspend":
		method, path = http.MethodPost, tapePath(args, "suspend")
	case "resume":
		method, path = http.MethodPost, tapePath(args, "resume")
	default:
		usage()
		os.Exit(2)
	}

	req, err := http.NewRequest(method, *addr+path, nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read response: %v", err)
	}

	var pretty any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}

func tapePath(args []string, action string) string {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	return "/tapes/" + args[1] + "/" + action
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: api [-addr url] <command> [args]

commands:
  requests                list in-flight requests
  drives                  list drive state
  failed-events           show the recent failed-event ring buffer
  suspend <tape-id>       suspend admission for a tape
  resume <tape-id>        resume admission for a tape`)
}
