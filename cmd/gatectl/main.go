package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("GATE_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	clientID := os.Getenv("GATE_CLIENT_ID")
	if clientID == "" {
		clientID = "default"
	}

	switch os.Args[1] {
	case "authorize":
		cmdAuthorize(gateway, clientID)
	case "trace":
		cmdTrace(gateway)
	case "pack":
		cmdPack(gateway)
	case "replay":
		cmdReplay(gateway)
	case "limits":
		cmdLimits(gateway)
	case "reload":
		cmdReload(gateway)
	case "version":
		fmt.Printf("gatectl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Trade Gate CLI v` + version + `

Usage: gatectl <command> [flags]

Commands:
  authorize  Submit an order for authorization
  trace      Fetch the audit bundle for a trace
  pack       Fetch the evidence pack for a trace
  replay     Re-verify a recorded decision against its audit trail
  limits     Get or set client exposure limits
  reload     Hot-reload the policy bundle
  version    Print version
  help       Show this help

Environment:
  GATE_URL        Gateway URL (default: http://localhost:8080)
  GATE_CLIENT_ID  Client ID for authorize (default: "default")

Examples:
  gatectl authorize --symbol AAPL --side BUY --qty 100 --price 185.50
  gatectl trace TR-123
  gatectl pack TR-123
  gatectl replay TR-123
  gatectl limits client-1
  gatectl limits client-1 --gross 1000000 --net 500000 --single 100000`)
}

// ----------------------------------------------------------------
// authorize command
// ----------------------------------------------------------------

func cmdAuthorize(gateway, clientID string) {
	var symbol, side, orderID string
	var qty int64
	var price float64

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			i++
			if i < len(args) {
				symbol = args[i]
			}
		case "--side":
			i++
			if i < len(args) {
				side = args[i]
			}
		case "--qty", "-q":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &qty)
			}
		case "--price", "-p":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &price)
			}
		case "--order-id":
			i++
			if i < len(args) {
				orderID = args[i]
			}
		}
	}

	if symbol == "" || side == "" || qty <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: gatectl authorize --symbol <sym> --side <BUY|SELL> --qty <n> [--price <px>]")
		os.Exit(1)
	}
	if orderID == "" {
		orderID = fmt.Sprintf("cli-%d", time.Now().UnixNano()%100000)
	}

	order := map[string]interface{}{
		"client_order_id": orderID,
		"symbol":          symbol,
		"side":            side,
		"qty":             qty,
	}
	if price > 0 {
		order["price"] = price
	}
	body, _ := json.Marshal(map[string]interface{}{"order": order})

	resp, err := doRequest("POST", gateway+"/v1/authorize", body, clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	switch result["status"] {
	case "AUTHORIZED":
		fmt.Printf("AUTHORIZED | trace=%s | sig=%s\n", result["trace_id"], result["decision_signature"])
	case "BLOCKED":
		fmt.Printf("BLOCKED | reason=%s | trace=%s\n", result["reason_code"], result["trace_id"])
	default:
		fmt.Printf("%s | trace=%s\n", result["status"], result["trace_id"])
	}
	if econ, ok := result["economics"].(map[string]interface{}); ok {
		if n, ok := econ["notional"].(float64); ok {
			fmt.Printf("notional=%.2f price_source=%s\n", n, econ["price_source"])
		}
	}
}

// ----------------------------------------------------------------
// trace / pack commands
// ----------------------------------------------------------------

func cmdTrace(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: gatectl trace <trace-id>")
		os.Exit(1)
	}
	fetchAndPrint(gateway + "/v1/trace/" + os.Args[2])
}

func cmdPack(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: gatectl pack <trace-id>")
		os.Exit(1)
	}
	fetchAndPrint(gateway + "/v1/trace/" + os.Args[2] + "/evidence-pack")
}

func cmdReplay(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: gatectl replay <trace-id>")
		os.Exit(1)
	}

	resp, err := doRequest("GET", gateway+"/v1/trace/"+os.Args[2]+"/replay", nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	var report map[string]interface{}
	json.Unmarshal(resp, &report)
	if report["valid"] == true {
		fmt.Printf("REPLAY OK | trace=%s events=%.0f\n", report["trace_id"], toFloat(report["event_count"]))
	} else {
		fmt.Printf("REPLAY FAILED | trace=%s reason=%s\n", report["trace_id"], report["reason_code"])
	}
	if checks, ok := report["checks"].(map[string]interface{}); ok {
		for name, outcome := range checks {
			fmt.Printf("  %-16s %v\n", name, outcome)
		}
	}
	if report["valid"] != true {
		os.Exit(1)
	}
}

func fetchAndPrint(url string) {
	resp, err := doRequest("GET", url, nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp, "", "  "); err != nil {
		fmt.Println(string(resp))
		return
	}
	fmt.Println(pretty.String())
}

// ----------------------------------------------------------------
// limits command
// ----------------------------------------------------------------

func cmdLimits(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: gatectl limits <client-id> [--gross n --net n --single n]")
		os.Exit(1)
	}
	clientID := os.Args[2]

	var gross, net, single float64
	set := false
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--gross":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &gross)
				set = true
			}
		case "--net":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &net)
				set = true
			}
		case "--single":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &single)
				set = true
			}
		}
	}

	if !set {
		fetchAndPrint(gateway + "/v1/limits/" + clientID)
		return
	}

	body, _ := json.Marshal(map[string]interface{}{
		"max_gross":        gross,
		"max_net":          net,
		"max_single_order": single,
	})
	if _, err := doRequest("PUT", gateway+"/v1/limits/"+clientID, body, ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("limits set: %s gross=%.0f net=%.0f single=%.0f\n", clientID, gross, net, single)
}

// ----------------------------------------------------------------
// reload command
// ----------------------------------------------------------------

func cmdReload(gateway string) {
	resp, err := doRequest("POST", gateway+"/v1/policy/reload", []byte("{}"), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if result["error"] != nil {
		fmt.Fprintf(os.Stderr, "reload rejected: %v (%v)\n", result["error"], result["detail"])
		os.Exit(1)
	}
	fmt.Printf("reloaded: version=%s hash=%s rules=%.0f\n",
		result["policy_version"], result["policy_snapshot_hash"], toFloat(result["rules"]))
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, clientID string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set("x-client-id", clientID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
