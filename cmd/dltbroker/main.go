// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gops/agent"

	"github.com/dlt-tools/dltbroker/internal/broker"
	"github.com/dlt-tools/dltbroker/internal/config"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/runtimeEnv"
)

func main() {
	var flagGops bool
	var flagConfigFile, flagEnvFile, flagFile, flagHost string
	var flagPort int
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default options by those specified in `config.json`")
	flag.StringVar(&flagEnvFile, "env", "", "Load NATS credentials from this `.env` file before config.json is read")
	flag.StringVar(&flagFile, "file", "", "Tail this DLT trace `file` instead of whatever config.json specifies")
	flag.StringVar(&flagHost, "host", "", "Connect to a live DLT daemon at this `host` instead of whatever config.json specifies")
	flag.IntVar(&flagPort, "port", 0, "Port to use with -host (default: dlttypes.DefaultTCPPort)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			dltlog.Errorf("gops/agent.Listen failed: %s", err.Error())
			os.Exit(1)
		}
	}

	if err := config.Load(flagConfigFile, flagEnvFile); err != nil {
		dltlog.Errorf("config: %s", err.Error())
		os.Exit(1)
	}

	if flagFile != "" {
		config.Keys.Source.Kind = config.SourceFile
		config.Keys.Source.Path = flagFile
	}
	if flagHost != "" {
		config.Keys.Source.Kind = config.SourceSocket
		config.Keys.Source.Address = flagHost
		if flagPort != 0 {
			config.Keys.Source.Port = flagPort
		}
	}

	b, err := broker.NewFromConfig()
	if err != nil {
		dltlog.Errorf("broker: %s", err.Error())
		os.Exit(1)
	}

	b.Start()
	runtimeEnv.SystemdNotifiy(true, "running")
	dltlog.Lifecyclef("dltbroker: running (source=%s)", config.Keys.Source.Kind)

	var wg sync.WaitGroup
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		b.Stop()
	}()
	wg.Wait()

	dltlog.Lifecyclef("dltbroker: graceful shutdown complete")
}
