package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"rollmarket/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("ROLLMARKET_RPC_TOKEN")

const walletFile = "wallet.key"

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
	args = args[1:]
	switch command {
	case "generate-key":
		generateKey()
	case "create-offer":
		requireArgs(args, 3, "create-offer <vendor> <pricePerMonth> <remainingUnits> [metadata]")
		params := map[string]interface{}{
			"vendor":         args[0],
			"pricePerMonth":  args[1],
			"remainingUnits": parseUint(args[2]),
		}
		if len(args) > 3 {
			params["metadata"] = args[3]
		}
		runCall("market_createOffer", params, true)
	case "set-units":
		requireArgs(args, 3, "set-units <caller> <offerId> <remainingUnits>")
		runCall("market_setOfferRemainingUnits", map[string]interface{}{
			"caller":         args[0],
			"offerId":        parseUint(args[1]),
			"remainingUnits": parseUint(args[2]),
		}, true)
	case "create-order":
		requireArgs(args, 3, "create-order <client> <offerId> <commitmentMonths> [metadata]")
		params := map[string]interface{}{
			"client":            args[0],
			"offerId":           parseUint(args[1]),
			"initialCommitment": parseUint(args[2]),
		}
		if len(args) > 3 {
			params["metadata"] = args[3]
		}
		runCall("market_createOrder", params, true)
	case "fulfill":
		requireArgs(args, 2, "fulfill <vendor> <orderId> [deploymentMetadata]")
		params := map[string]interface{}{
			"caller":  args[0],
			"orderId": parseUint(args[1]),
		}
		if len(args) > 2 {
			params["deploymentMetadata"] = args[2]
		}
		runCall("market_fulfillOrder", params, true)
	case "terminate":
		requireArgs(args, 2, "terminate <caller> <orderId>")
		runCall("market_terminateOrder", map[string]interface{}{
			"caller":  args[0],
			"orderId": parseUint(args[1]),
		}, true)
	case "deposit":
		requireArgs(args, 3, "deposit <caller> <orderId> <amount>")
		runCall("market_deposit", map[string]interface{}{
			"caller":  args[0],
			"orderId": parseUint(args[1]),
			"amount":  args[2],
		}, true)
	case "withdraw":
		requireArgs(args, 3, "withdraw <vendor> <orderId> <amount>")
		runCall("market_withdraw", map[string]interface{}{
			"caller":  args[0],
			"orderId": parseUint(args[1]),
			"amount":  args[2],
		}, true)
	case "mint":
		requireArgs(args, 2, "mint <to> <amount>")
		runCall("market_mint", map[string]interface{}{
			"to":     args[0],
			"amount": args[1],
		}, true)
	case "approve":
		requireArgs(args, 2, "approve <owner> <amount>")
		runCall("market_approve", map[string]interface{}{
			"owner":  args[0],
			"amount": args[1],
		}, true)
	case "offer":
		requireArgs(args, 1, "offer <id>")
		runCall("market_getOffer", map[string]interface{}{"id": parseUint(args[0])}, false)
	case "order":
		requireArgs(args, 1, "order <id>")
		runCall("market_getOrder", map[string]interface{}{"id": parseUint(args[0])}, false)
	case "balance":
		requireArgs(args, 2, "balance <orderId> <party>")
		runCall("market_balanceOf", map[string]interface{}{
			"orderId": parseUint(args[0]),
			"party":   args[1],
		}, false)
	case "orders":
		requireArgs(args, 1, "orders <address> [vendor]")
		method := "market_getClientOrders"
		if len(args) > 1 && strings.EqualFold(args[1], "vendor") {
			method = "market_getVendorOrders"
		}
		runCall(method, map[string]interface{}{"address": args[0]}, false)
	case "token-balance":
		requireArgs(args, 1, "token-balance <address>")
		runCall("market_tokenBalance", map[string]interface{}{"address": args[0]}, false)
	case "events":
		params := map[string]interface{}{}
		if len(args) > 0 {
			params["prefix"] = args[0]
		}
		if len(args) > 1 {
			params["after"] = parseUint(args[1])
		}
		runCall("market_listEvents", params, false)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Printf("Usage: rollmarket-cli %s\n", usage)
		os.Exit(1)
	}
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid number %q\n", s)
		os.Exit(1)
	}
	return v
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(walletFile, []byte(hex.EncodeToString(key.Bytes())), 0o600); err != nil {
		fmt.Printf("Error saving key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("New key saved to %s\n", walletFile)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

func runCall(method string, params map[string]interface{}, requireAuth bool) {
	result, err := callRPC(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(string(pretty))
}

func callRPC(method string, params map[string]interface{}, requireAuth bool) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires ROLLMARKET_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from node (%d): %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printUsage() {
	fmt.Println("Usage: rollmarket-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("Global flags: --rpc <url> (or RPC_URL env). Mutating commands need ROLLMARKET_RPC_TOKEN.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                        - Generates a new key and saves to wallet.key")
	fmt.Println("  create-offer <vendor> <price> <units> [metadata]    - Publishes a deployment offer")
	fmt.Println("  set-units <caller> <offerId> <units>                - Updates an offer's advertised capacity")
	fmt.Println("  create-order <client> <offerId> <months> [metadata] - Opens an escrowed subscription order")
	fmt.Println("  fulfill <vendor> <orderId> [deploymentMetadata]     - Marks an order deployed")
	fmt.Println("  terminate <caller> <orderId>                        - Terminates an order and settles escrow")
	fmt.Println("  deposit <caller> <orderId> <amount>                 - Tops up an order's escrow balance")
	fmt.Println("  withdraw <vendor> <orderId> <amount>                - Withdraws accrued vendor earnings")
	fmt.Println("  mint <to> <amount>                                  - Mints payment tokens (dev only)")
	fmt.Println("  approve <owner> <amount>                            - Approves the vault to draw escrow deposits")
	fmt.Println("  offer <id>                                          - Shows an offer")
	fmt.Println("  order <id>                                          - Shows an order")
	fmt.Println("  balance <orderId> <party>                           - Shows a party's entitlement on an order")
	fmt.Println("  orders <address> [vendor]                           - Lists orders for a client or vendor")
	fmt.Println("  token-balance <address>                             - Shows a token balance")
	fmt.Println("  events [prefix] [after]                             - Lists marketplace events")
}
