package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flow-hydraulics/blaze-client/configs"
	log "github.com/sirupsen/logrus"
)

const version = "0.1.0"

var (
	sha1ver   string // sha1 revision used to build the program
	buildTime string // when the executable was built
)

func main() {
	var printVersion bool

	flag.BoolVar(&printVersion, "version", false, "if true, print version and exit")
	flag.Parse()

	if printVersion {
		fmt.Printf("v%s build on %s from sha1 %s\n", version, buildTime, sha1ver)
		os.Exit(0)
	}

	cfg, err := configs.Parse()
	if err != nil {
		panic(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *configs.Config) error {
	configs.ConfigureLogger(cfg.LogLevel)

	log.WithFields(log.Fields{"version": version}).Info("Starting blaze client")

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		app.Close()
		log.Info("Shut down")
	}()

	app.Start()

	// Trap interrupt or sigterm and gracefully shut down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	log.Infof("Got signal: %s. Shutting down..", sig)

	return nil
}
