package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/pkg/atgw"
)

const version = "0.1.0"

func main() {
	server := flag.String("server", envOr("GATEWAY_URL", "http://localhost:8080"), "gateway server base URL")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: broker-cli [-server URL] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                      Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  brokers                      List brokers and connection states\n")
		fmt.Fprintf(os.Stderr, "  balance <broker> [currency]  Show balance (default USD)\n")
		fmt.Fprintf(os.Stderr, "  positions <broker>           List open positions\n")
		fmt.Fprintf(os.Stderr, "  price <broker> <symbol>      Show current price\n")
		fmt.Fprintf(os.Stderr, "  leverage <broker> <symbol>   Show margin state\n")
		fmt.Fprintf(os.Stderr, "  order <id>                   Show a journaled order\n")
		fmt.Fprintf(os.Stderr, "  cancel <id>                  Cancel a journaled order\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	client := atgw.NewClient(*server)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "version":
		fmt.Printf("broker-cli %s\n", version)

	case "brokers":
		brokers, err := client.ListBrokers(ctx)
		exitOn(err)
		for _, b := range brokers {
			fmt.Printf("%-20s %s\n", b.Name, b.State)
		}

	case "balance":
		requireArgs(args, 2)
		currency := "USD"
		if len(args) > 2 {
			currency = args[2]
		}
		bal, err := client.GetBalance(ctx, args[1], currency)
		exitOn(err)
		printJSON(bal)

	case "positions":
		requireArgs(args, 2)
		positions, err := client.GetPositions(ctx, args[1])
		exitOn(err)
		if len(positions) == 0 {
			fmt.Println("no open positions")
			return
		}
		for _, p := range positions {
			fmt.Printf("%-12s %-4s qty=%-12g entry=%-12g mark=%-12g pnl=%g\n",
				p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL())
		}

	case "price":
		requireArgs(args, 3)
		quote, err := client.GetPrice(ctx, args[1], args[2])
		exitOn(err)
		printJSON(quote)

	case "leverage":
		requireArgs(args, 3)
		info, err := client.GetLeverageInfo(ctx, args[1], args[2])
		exitOn(err)
		printJSON(info)

	case "order":
		requireArgs(args, 2)
		order, err := client.GetOrder(ctx, args[1])
		exitOn(err)
		printJSON(order)

	case "cancel":
		requireArgs(args, 2)
		order, err := client.CancelOrder(ctx, args[1])
		exitOn(err)
		printJSON(order)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		flag.Usage()
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	exitOn(err)
	fmt.Println(string(out))
}
