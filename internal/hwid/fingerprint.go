// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hwid derives stable, salted hardware fingerprints from
// client-reported identifiers. The same fingerprint both binds full-license
// activations to a machine and deduplicates trials, without storing any raw
// hardware data.
package hwid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// attributeOrder is the fixed allow-list of system attributes mixed into the
// fingerprint. Order matters: clients that report a subset still hash
// deterministically because absent keys are skipped, never zero-filled.
var attributeOrder = []string{
	"cpu_id",
	"motherboard_serial",
	"disk_serial",
	"mac_address",
}

// Fingerprint hashes a raw hardware id plus any allow-listed attributes and
// the server salt into a hex SHA-256 digest. Identical input always yields
// an identical digest; the salt must stay stable for the lifetime of stored
// trial records.
func Fingerprint(hardwareID string, attributes map[string]any, salt string) string {
	data := hardwareID
	for _, key := range attributeOrder {
		if value, ok := attributes[key]; ok {
			data += fmt.Sprint(value)
		}
	}
	data += salt

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
