// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/ticketmix/common"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/utils"
	"github.com/katzenpost/ticketmix/server"
)

type options struct {
	dataDir string
	address string
	qr      bool
}

func generate(opts *options) (*offchain.Keypair, *chain.Keypair, error) {
	if err := utils.MkDataDir(opts.dataDir); err != nil {
		return nil, nil, err
	}
	packetKeyFile := filepath.Join(opts.dataDir, server.PacketKeyFile)
	chainKeyFile := filepath.Join(opts.dataDir, server.ChainKeyFile)
	if utils.Exists(packetKeyFile) || utils.Exists(chainKeyFile) {
		return nil, nil, fmt.Errorf("refusing to overwrite keys in '%v'", opts.dataDir)
	}

	pk, err := offchain.NewKeypair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	if err = pk.Save(packetKeyFile); err != nil {
		return nil, nil, err
	}
	ck, err := chain.NewKeypair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	if err = ck.Save(chainKeyFile); err != nil {
		return nil, nil, err
	}
	return pk, ck, nil
}

func newRootCommand() *cobra.Command {
	opts := new(options)

	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate the packet and chain keys of a relay",
		Long: `Generates the ed25519 packet key and the secp256k1 chain key of a relay in
its data directory, and prints the [[Peer]] entry other relays need to
reach it.`,
		Example: `  # Generate keys and print the peer entry
  genkeys -d /var/lib/ticketmix -a relay.example.org:4433

  # Also show the packet key as a QR code
  genkeys -d /var/lib/ticketmix -q`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, ck, err := generate(opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "[[Peer]]\n  PacketKey = %q\n  ChainAddress = %q\n", pk.Public().String(), ck.Address().Hex())
			if opts.address != "" {
				fmt.Fprintf(w, "  Address = %q\n", opts.address)
			}
			if opts.qr {
				fmt.Fprintln(w)
				qrterminal.GenerateWithConfig(pk.Public().String(), qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     os.Stdout,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.dataDir, "datadir", "d", "", "relay data directory")
	cmd.Flags().StringVarP(&opts.address, "address", "a", "", "host:port other relays reach this relay on")
	cmd.Flags().BoolVarP(&opts.qr, "qr", "q", false, "print the packet key as a QR code")
	_ = cmd.MarkFlagRequired("datadir")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
