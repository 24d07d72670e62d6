package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hanpama/graphsub/internal/eventbus"
	"github.com/hanpama/graphsub/internal/otel"
	"github.com/hanpama/graphsub/internal/pubsub"
	"github.com/hanpama/graphsub/internal/server"
)

const rootUsage = `graphsub — GraphQL subscription gateway over websockets

USAGE:
  graphsub <command> [flags]

COMMANDS:
  serve            Run the graphql-ws gateway with the in-process pubsub engine
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -server.addr <addr>             HTTP listen address (default: :8080)
  -server.keepalive <duration>    Interval between "ka" messages, 0 disables (default: 0)
  -server.metadata-header <name>  Forward upgrade header to gRPC metadata. Repeatable
  -server.publish <bool>          Mount the HTTP publish endpoint (default: true)
  -pubsub.buffer <n>              Per-subscriber event buffer (default: 16)
  -otel.endpoint <addr>           OTLP collector endpoint
  -otel.service <name>            OpenTelemetry service name (default: graphsub)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphsub", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	addr := ":8080"
	keepAlive := time.Duration(0)
	publish := true
	buffer := 16
	otelEndpoint := ""
	otelService := "graphsub"
	var metadataHeaders stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.DurationVar(&keepAlive, "server.keepalive", keepAlive, "Keepalive interval, 0 disables")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward upgrade header to gRPC metadata")
	fs.BoolVar(&publish, "server.publish", publish, "Mount the HTTP publish endpoint")
	fs.IntVar(&buffer, "pubsub.buffer", buffer, "Per-subscriber event buffer")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	eng := pubsub.New(pubsub.WithBuffer(buffer))

	var sopts []server.Option
	if keepAlive > 0 {
		sopts = append(sopts, server.WithKeepAlive(keepAlive))
	}
	if len(metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(metadataHeaders...))
	}
	h := server.New(eng, nil, sopts...)

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)
	if publish {
		mux.Handle("/publish", publishHandler(eng))
	}

	log.Printf("graphsub gateway listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// publishHandler feeds JSON events into the pubsub engine:
// POST /publish {"topic": "...", "payload": ...}
func publishHandler(eng *pubsub.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Topic == "" {
			http.Error(w, "missing 'topic'", http.StatusBadRequest)
			return
		}
		n := eng.Publish(req.Topic, req.Payload)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]int{"delivered": n})
	})
}
