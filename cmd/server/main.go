// main.go - ticketmix relay binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/ticketmix/common"
	"github.com/katzenpost/ticketmix/server"
	"github.com/katzenpost/ticketmix/server/config"
)

// Config holds the command line configuration.
type Config struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "server",
		Short: "ticketmix relay node",
		Long: `The ticketmix relay forwards onion packets between peers and gets paid
for it with probabilistic micropayment tickets.

Every relayed packet carries a ticket for the next hop, whose challenge can
only be solved once the packet was delivered onward and acknowledged. The
relay validates incoming tickets against its payment channels, issues
tickets for the next hop, delays packets in a mixing stage and stores
acknowledged tickets for later redemption.`,
		Example: `  # Start a relay with the default configuration file
  server

  # Start a relay with a custom configuration file
  server -f /etc/ticketmix/relay.toml

  # Generate the packet and chain keys and exit
  server -f /etc/ticketmix/relay.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "ticketmix.toml",
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate keys and exit without starting the relay")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly && !serverCfg.Debug.GenerateOnly {
		serverCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(serverCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
