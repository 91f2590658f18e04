// Copyright 2018 The electrum Authors
// This file is part of the electrum library.
//
// The electrum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The electrum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the electrum library. If not, see <http://www.gnu.org/licenses/>.

// electrum connects to an Electrum server and follows its header chain.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zhoudaqing/electrum/blockchain"
	"github.com/zhoudaqing/electrum/config"
	"github.com/zhoudaqing/electrum/network"
)

func main() {
	app := &cli.App{
		Name:  "electrum",
		Usage: "follow an Electrum server's header chain",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "server to connect to, host:port:protocol (protocol s=tls, t=tcp)",
			},
			&cli.StringFlag{
				Name:  "datadir",
				Usage: "data directory (default ~/.electrum-go)",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("verbosity"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	cfg, err := config.Load(c.String("datadir"))
	if err != nil {
		return err
	}
	servers := cfg.Servers
	if s := c.String("server"); s != "" {
		servers = []string{s}
	}
	if len(servers) == 0 {
		return cli.Exit("no server configured; pass --server host:port:s", 1)
	}

	reg, err := blockchain.NewRegistry(cfg.HeadersDir())
	if err != nil {
		return err
	}
	n := network.NewNetwork(cfg, network.NewChainDB(reg))
	defer n.Close()
	events := n.Subscribe()

	ifaces := make([]*network.Interface, 0, len(servers))
	for _, s := range servers {
		iface, err := n.Connect(s)
		if err != nil {
			return err
		}
		ifaces = append(ifaces, iface)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	for _, iface := range ifaces {
		select {
		case <-iface.Ready():
			logrus.WithFields(logrus.Fields{
				"server": iface.DiagnosticName(),
				"tip":    iface.Tip(),
			}).Info("connected")
		case <-iface.Done():
			logrus.WithField("server", iface.DiagnosticName()).
				WithError(iface.Err()).Warn("connection failed")
		case <-interrupt:
			return nil
		case <-time.After(30 * time.Second):
			logrus.WithField("server", iface.DiagnosticName()).Warn("connection timed out")
		}
	}

	for {
		select {
		case <-events:
			logrus.WithField("height", reg.Genesis().Height()).Info("updated")
		case <-interrupt:
			logrus.Info("shutting down")
			return nil
		}
	}
}
