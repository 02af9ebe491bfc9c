package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/balloon-chase/internal/client"
	"github.com/unklstewy/balloon-chase/internal/logging"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	server := flag.String("server", "localhost:5001", "Chase server address (host:port)")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chase-console version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := client.Dial(dialCtx, *server, logging.Discard())
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	app := NewApp(conn, *server)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("chase-console - Terminal UI for the balloon chase server")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  chase-console [options]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -server string")
	fmt.Println("        Chase server address (default: localhost:5001)")
	fmt.Println("  -version")
	fmt.Println("        Show version information")
	fmt.Println("  -help")
	fmt.Println("        Show this help message")
	fmt.Println()
	fmt.Println("KEYBOARD SHORTCUTS:")
	fmt.Println("    ↑/↓ or j/k     Select payload")
	fmt.Println("    e              Enable/disable predictor")
	fmt.Println("    d              Download predictor model")
	fmt.Println("    P              Clear payload data")
	fmt.Println("    B              Clear bearing data")
	fmt.Println("    C              Clear car data")
	fmt.Println("    q or Esc       Quit")
}
