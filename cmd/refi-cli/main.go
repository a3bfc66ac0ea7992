package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv("REFI_RPC_TOKEN")
)

func defaultRPCEndpoint() string {
	if fromEnv := strings.TrimSpace(os.Getenv("RPC_URL")); fromEnv != "" {
		return fromEnv
	}
	return "http://localhost:8080"
}

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "info":
		call("migration_info")
	case "preview":
		requireArgs(args, 2, "Please provide a plan JSON file.")
		call("migration_preview", loadPlan(args[1]))
	case "execute":
		requireArgs(args, 2, "Please provide a plan JSON file.")
		call("migration_execute", loadPlan(args[1]))
	case "sweep":
		requireArgs(args, 2, "Please provide a token symbol.")
		call("migration_sweep", map[string]string{"token": args[1]})
	case "receipt":
		requireArgs(args, 2, "Please provide a migration id.")
		call("migration_getReceipt", map[string]string{"migrationId": args[1]})
	case "receipts":
		if len(args) > 1 && args[1] == "export" {
			call("migration_exportReceipts")
			return
		}
		limit := 20
		if len(args) > 1 {
			parsed, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Println("Error: Invalid limit.")
				return
			}
			limit = parsed
		}
		call("migration_listReceipts", map[string]int{"limit": limit})
	case "balance":
		requireArgs(args, 3, "Please provide an address and a token symbol.")
		call("state_getBalance", map[string]string{"address": args[1], "token": args[2]})
	case "tokens":
		call("state_listTokens")
	case "markets":
		call("market_list")
	case "market":
		requireArgs(args, 2, "Please provide a market id.")
		call("market_get", map[string]string{"id": args[1]})
	case "debt":
		requireArgs(args, 3, "Please provide a market id and an address.")
		call("market_getDebt", map[string]string{"id": args[1], "address": args[2]})
	case "venues":
		call("venue_list")
	case "venue":
		requireArgs(args, 2, "Please provide a venue id.")
		call("venue_get", map[string]string{"id": args[1]})
	case "reserves":
		requireArgs(args, 2, "Please provide a venue id.")
		call("venue_getReserves", map[string]string{"id": args[1]})
	case "protocol":
		call("target_getProtocol")
	case "position":
		requireArgs(args, 2, "Please provide an address.")
		call("target_getPosition", map[string]string{"address": args[1]})
	case "liquidity":
		call("target_getLiquidity")
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := args[:0]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL")
			}
			i++
			rpcEndpoint = args[i]
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func requireArgs(args []string, want int, message string) {
	if len(args) < want {
		fmt.Println("Error: " + message)
		printUsage()
		os.Exit(1)
	}
}

func loadPlan(path string) json.RawMessage {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading plan file: %v\n", err)
		os.Exit(1)
	}
	var plan map[string]interface{}
	if err := json.Unmarshal(raw, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "Error: plan file is not valid JSON: %v\n", err)
		os.Exit(1)
	}
	return raw
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func call(method string, params ...interface{}) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building request: %v\n", err)
		os.Exit(1)
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting node at %s: %v\n", rpcEndpoint, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding response: %v\n", err)
		os.Exit(1)
	}
	if decoded.Error != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", decoded.Error.Code, decoded.Error.Message)
		if len(decoded.Error.Data) > 0 {
			fmt.Fprintln(os.Stderr, prettyJSON(decoded.Error.Data))
		}
		os.Exit(1)
	}
	fmt.Println(prettyJSON(decoded.Result))
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func printUsage() {
	fmt.Println(`Usage: refi-cli [--rpc <url>] <command> [args]

Migration:
  info                       Show orchestrator configuration and directory
  preview <plan.json>        Price a plan without moving funds
  execute <plan.json>        Run a plan (requires REFI_RPC_TOKEN)
  sweep <token>              Forward a stranded module balance to recovery
  receipt <migration-id>     Fetch one archived receipt
  receipts [limit]           List recent archived receipts
  receipts export            Write a CSV/Parquet export on the server

State:
  balance <address> <token>  Show a token balance
  tokens                     List registered tokens

Markets:
  markets                    List source markets
  market <id>                Show one market
  debt <id> <address>        Show outstanding debt in a market

Venues:
  venues                     List liquidity venues
  venue <id>                 Show one venue
  reserves <id>              Show a venue's live reserves

Target:
  protocol                   Show the target protocol configuration
  position <address>         Show a target position
  liquidity                  Show available target liquidity

Environment:
  RPC_URL                    Node endpoint (default http://localhost:8080)
  REFI_RPC_TOKEN             Bearer token for privileged methods`)
}
