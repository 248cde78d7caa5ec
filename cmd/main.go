package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	raftserver "github.com/Tvcz/raft/raft-server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config file] <port> <id> <peer>...\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "optional YAML file with timing overrides")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 {
		usage()
		os.Exit(2)
	}

	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		log.Fatalf("invalid port %q: %v", args[0], err)
	}

	id := args[1]
	peers := args[2:]

	timing := raftserver.DefaultTiming()
	if *configPath != "" {
		cfg, err := raftserver.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		timing = cfg.ApplyTiming(timing)
	}

	transport, err := raftserver.NewTransport(uint16(port))
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}

	server, err := raftserver.NewServer(id, peers, transport, timing)
	if err != nil {
		log.Fatalf("failed to create replica: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
		server.Shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Fatalf("replica failed: %v", err)
		}
	}
}
