// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	kcommon "github.com/katzenpost/ticketmix/common"
	"github.com/katzenpost/ticketmix/core/tickets"
)

var (
	keyStyle   = lipgloss.NewStyle().Bold(true).Width(16)
	valueStyle = lipgloss.NewStyle()
)

func field(w io.Writer, k string, v interface{}) {
	fmt.Fprintln(w, keyStyle.Render(k)+valueStyle.Render(fmt.Sprint(v)))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func newDecodeCommand() *cobra.Command {
	var price, ds string

	cmd := &cobra.Command{
		Use:   "decode <hex ticket>",
		Short: "Decode a wire encoded ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := decodeHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid ticket: %v", err)
			}
			t, err := tickets.FromBytes(b)
			if err != nil {
				return fmt.Errorf("invalid ticket: %v", err)
			}

			w := cmd.OutOrStdout()
			field(w, "Channel", t.ChannelID().Hex())
			field(w, "Epoch", t.ChannelEpoch())
			field(w, "Index", t.Index())
			field(w, "IndexOffset", t.IndexOffset())
			field(w, "Amount", t.Amount().Dec())
			field(w, "WinProb", t.WinProb())
			field(w, "Payout", t.ExpectedPayout().Dec())
			field(w, "Challenge", t.Challenge())

			if price != "" {
				p, err := uint256.FromDecimal(price)
				if err != nil {
					return fmt.Errorf("invalid argument %q for --price: %v", price, err)
				}
				pos, err := t.PathPosition(p)
				if err != nil {
					return err
				}
				field(w, "PathPosition", pos)
			}
			if ds != "" {
				raw, err := decodeHex(ds)
				if err != nil || len(raw) != common.HashLength {
					return fmt.Errorf("invalid argument %q for --domain-separator", ds)
				}
				if t.Signature() == nil {
					return fmt.Errorf("invalid ticket: not signed")
				}
				issuer, err := t.Signature().Recover(t.Hash(common.BytesToHash(raw)))
				if err != nil {
					return err
				}
				field(w, "Issuer", issuer.Hex())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&price, "price", "p", "", "decimal per hop price, to derive the path position")
	cmd.Flags().StringVarP(&ds, "domain-separator", "d", "", "hex domain separator, to recover the issuer")
	return cmd
}

func newWinProbCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "winprob <probability | hex encoding>",
		Short: "Convert a win probability to or from its 7 byte encoding",
		Long: `Converts a winning probability given as a float in (0, 1] to its encoding,
or an encoding given in hex back to a float.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if f, err := strconv.ParseFloat(args[0], 64); err == nil && !strings.HasPrefix(args[0], "0x") {
				wp, err := tickets.WinProbFromFloat64(f)
				if err != nil {
					return fmt.Errorf("invalid win probability: %v", err)
				}
				field(w, "Encoded", hex.EncodeToString(wp.Bytes()))
				field(w, "Effective", wp.AsFloat64())
				return nil
			}
			b, err := decodeHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid win probability: %v", err)
			}
			wp, err := tickets.WinProbFromBytes(b)
			if err != nil {
				return fmt.Errorf("invalid win probability: %v", err)
			}
			field(w, "Probability", wp.AsFloat64())
			return nil
		},
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect ticketmix tickets",
		Example: `  # Decode a ticket and derive its path position
  ticket decode --price 10000000000000000 0x...

  # Encode a win probability
  ticket winprob 0.5`,
	}
	cmd.AddCommand(newDecodeCommand(), newWinProbCommand())
	return cmd
}

func main() {
	kcommon.ExecuteWithFang(newRootCommand())
}
