// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package hostrecord

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is written into every encoded record. It is bumped only for
// layouts older binaries cannot interpret; added fields keep the version.
const SchemaVersion = 1

// ErrUnsupportedSchema is returned for records written by a newer major layout.
var ErrUnsupportedSchema = errors.New("hostrecord: unsupported schema version")

// storedRecord is the on-disk layout. Fields may be added without a version
// bump: unknown fields are ignored on decode, so rows with the same version
// written by a newer binary still load.
type storedRecord struct {
	Version      int               `json:"v"`
	Host         string            `json:"host"`
	CacheKey     string            `json:"cache_key"`
	ClientIP     string            `json:"client_ip,omitempty"`
	V4           []IPEntry         `json:"v4,omitempty"`
	V6           []IPEntry         `json:"v6,omitempty"`
	V4TTL        int64             `json:"v4_ttl"`
	V6TTL        int64             `json:"v6_ttl"`
	V4LastLookup int64             `json:"v4_last_lookup"`
	V6LastLookup int64             `json:"v6_last_lookup"`
	V4Region     string            `json:"v4_region,omitempty"`
	V6Region     string            `json:"v6_region,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Encode serializes r without its process-lifetime flags.
func Encode(r *HostRecord) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("hostrecord: encode nil record")
	}
	return json.Marshal(storedRecord{
		Version:      SchemaVersion,
		Host:         r.Host,
		CacheKey:     r.CacheKey,
		ClientIP:     r.ClientIP,
		V4:           r.V4,
		V6:           r.V6,
		V4TTL:        r.V4TTL,
		V6TTL:        r.V6TTL,
		V4LastLookup: r.V4LastLookup,
		V6LastLookup: r.V6LastLookup,
		V4Region:     r.V4Region,
		V6Region:     r.V6Region,
		Extra:        r.Extra,
	})
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*HostRecord, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("hostrecord: decode: %w", err)
	}
	if s.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, s.Version)
	}
	return &HostRecord{
		Host:         s.Host,
		CacheKey:     s.CacheKey,
		ClientIP:     s.ClientIP,
		V4:           s.V4,
		V6:           s.V6,
		V4TTL:        s.V4TTL,
		V6TTL:        s.V6TTL,
		V4LastLookup: s.V4LastLookup,
		V6LastLookup: s.V6LastLookup,
		V4Region:     s.V4Region,
		V6Region:     s.V6Region,
		Extra:        s.Extra,
	}, nil
}
