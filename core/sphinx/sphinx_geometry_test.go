// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package sphinx

import (
	"fmt"
	"testing"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"
)

func TestSphinxGeometryCartesianProduct(t *testing.T) {
	t.Parallel()

	nrHops := []interface{}{1, 2, 3, 5}
	payloadSize := []interface{}{100, 500, 2000}

	for product := range cartesian.Iter(nrHops, payloadSize) {
		hops := product[0].(int)
		size := product[1].(int)
		t.Run(fmt.Sprintf("hops=%d/payload=%d", hops, size), func(t *testing.T) {
			g := GeometryFromForwardPayloadLength(size, hops)
			require.NoError(t, g.Validate())
			require.Equal(t, g.HeaderLength+PayloadTagLength+size, g.PacketLength)
			require.Equal(t, hops*PerHopRoutingInfoLength, g.RoutingInfoLength)
			testForwardSphinx(t, g, hops)
		})
	}
}

func TestDefaultGeometry(t *testing.T) {
	t.Parallel()
	g := DefaultGeometry()
	require.Equal(t, 1002, g.PacketLength)
	require.Contains(t, g.String(), "packet size: 1002")
}
