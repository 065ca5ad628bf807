// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start logs that profiling was not compiled in.
func Start(log *logging.Logger, _ string) error {
	log.Warning("Profiling requested, but built without the pyroscope tag.")
	return nil
}
