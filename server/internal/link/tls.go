// tls.go - ticketmix link layer TLS identities.
// Copyright (C) 2023  Masala.
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

package link

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go/http3"

	"github.com/katzenpost/ticketmix/core/crypto/offchain"
)

var errUnknownPeer = errors.New("link: peer certificate does not match a known peer")

// certificate returns a self-signed certificate for the packet key, so
// that the TLS identity of a relay is its peer id.
func certificate(key *offchain.Keypair) (tls.Certificate, error) {
	priv := ed25519.PrivateKey(key.SignerKey().Bytes())
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// peerKey extracts the packet key from a peer certificate chain.
func peerKey(rawCerts [][]byte) (offchain.PublicKey, error) {
	if len(rawCerts) != 1 {
		return offchain.PublicKey{}, errUnknownPeer
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return offchain.PublicKey{}, err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return offchain.PublicKey{}, errUnknownPeer
	}
	// The signature is checked as well, proving possession of the key.
	if err = cert.CheckSignatureFrom(cert); err != nil {
		return offchain.PublicKey{}, err
	}
	return offchain.PublicKeyFromBytes(pub)
}

// tlsConfig returns a mutually authenticated TLS configuration, accepting
// only peers for which accept returns true.
func tlsConfig(cert tls.Certificate, accept func(offchain.PublicKey) bool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		// Peers are authenticated by their packet key, not a CA.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			pk, err := peerKey(rawCerts)
			if err != nil {
				return err
			}
			if !accept(pk) {
				return errUnknownPeer
			}
			return nil
		},
		MinVersion: tls.VersionTLS13,
		// ALPN (NextProtos) is externally visible as part of the QUIC TLS
		// handshake, in the client/server hello, so pick a common protocol
		// rather than something uniquely fingerprintable.
		NextProtos: []string{http3.NextProtoH3},
	}
}
