package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wafleet/internal/api"
	"github.com/matheus3301/wafleet/internal/client"
)

func main() {
	addrFlag := flag.String("addr", envOr("WAFLEET_ADDR", "127.0.0.1:8470"), "daemon HTTP address")
	grpcFlag := flag.String("grpc", envOr("WAFLEET_GRPC", "127.0.0.1:8471"), "daemon gRPC address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := client.New(*addrFlag, *grpcFlag)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, args[1:], *jsonFlag)
	case "repair", "reconnect", "logout":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: wafleetctl %s <account>\n", args[0])
			os.Exit(1)
		}
		cmdAccount(ctx, c, args[0], args[1], *jsonFlag)
	case "qr":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wafleetctl qr <account>")
			os.Exit(1)
		}
		cmdQR(ctx, c, args[1])
	case "enqueue":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: wafleetctl enqueue <account> <to> <body> [client-message-id]")
			os.Exit(1)
		}
		cmdEnqueue(ctx, c, args[1:], *jsonFlag)
	case "incidents":
		cmdIncidents(ctx, c, len(args) > 1 && args[1] == "--all", *jsonFlag)
	case "health":
		service := ""
		if len(args) > 1 {
			service = api.HealthService(args[1])
		}
		cmdHealth(ctx, c, service)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wafleetctl [--addr host:port] [--grpc host:port] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status [account]                     Show account status")
	fmt.Fprintln(os.Stderr, "  repair <account>                     Start a fresh pairing")
	fmt.Fprintln(os.Stderr, "  reconnect <account>                  Reconnect now")
	fmt.Fprintln(os.Stderr, "  logout <account>                     Log the device out")
	fmt.Fprintln(os.Stderr, "  qr <account>                         Print the pending pairing QR code")
	fmt.Fprintln(os.Stderr, "  enqueue <account> <to> <body> [id]   Enqueue an outbound message")
	fmt.Fprintln(os.Stderr, "  incidents [--all]                    List active (or all) incidents")
	fmt.Fprintln(os.Stderr, "  health [account]                     Query the gRPC health service")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	var views []api.AccountView
	if len(args) > 0 {
		v, err := c.Account(ctx, args[0])
		if err != nil {
			fail(err)
		}
		views = []api.AccountView{*v}
	} else {
		var err error
		if views, err = c.Accounts(ctx); err != nil {
			fail(err)
		}
	}
	if jsonOut {
		outputJSON(views)
		return
	}
	if len(views) == 0 {
		fmt.Println("No accounts provisioned.")
		return
	}
	fmt.Printf("%-28s %-8s %-13s %-8s %-20s %s\n", "ACCOUNT", "MODE", "STATUS", "RETRIES", "REASON", "HOLDER")
	for _, v := range views {
		fmt.Printf("%-28s %-8s %-13s %-8d %-20s %s\n", v.AccountID, v.Mode, v.Status, v.RetryCount, v.LastDisconnectReason, v.LeaseHolder)
	}
}

func cmdAccount(ctx context.Context, c *client.Client, command, id string, jsonOut bool) {
	v, err := c.Command(ctx, id, command)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(v)
		return
	}
	fmt.Printf("%s accepted for %s (status: %s)\n", command, v.AccountID, v.Status)
}

func cmdQR(ctx context.Context, c *client.Client, id string) {
	code, err := c.QR(ctx, id)
	if err != nil {
		fail(err)
	}
	art, err := renderQR(code)
	if err != nil {
		fail(err)
	}
	fmt.Print(art)
	fmt.Println("Scan with WhatsApp > Linked devices > Link a device.")
}

func cmdEnqueue(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	req := api.EnqueueRequest{To: args[1], Body: args[2], ClientMessageID: uuid.NewString()}
	if len(args) > 3 {
		req.ClientMessageID = args[3]
	}
	entry, created, err := c.Enqueue(ctx, args[0], req)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(entry)
		return
	}
	if !created {
		fmt.Printf("Already enqueued: %s (%s)\n", entry.ID, entry.Status)
		return
	}
	fmt.Printf("Enqueued: %s\n", entry.ID)
}

func cmdIncidents(ctx context.Context, c *client.Client, all, jsonOut bool) {
	incs, err := c.Incidents(ctx, !all)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(incs)
		return
	}
	if len(incs) == 0 {
		fmt.Println("No incidents.")
		return
	}
	for _, inc := range incs {
		state := "resolved"
		if inc.Active {
			state = "ACTIVE"
		}
		since := time.UnixMilli(inc.FirstDetectedAt).Format(time.RFC3339)
		fmt.Printf("%-8s %-28s %-28s since %s\n", state, inc.AccountID, inc.Type, since)
		if inc.Active && inc.Instructions != "" {
			fmt.Printf("         %s\n", inc.Instructions)
		}
	}
}

func cmdHealth(ctx context.Context, c *client.Client, service string) {
	st, err := c.Health(ctx, service)
	if err != nil {
		fail(err)
	}
	fmt.Println(st.String())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
