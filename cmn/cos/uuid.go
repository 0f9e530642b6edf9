// Package cos provides common low-level types and utilities shared by
// every package in this module.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const (
	// alphabet for generating short ids, mirrors shortid's own default
	// alphabet so ids remain URL-safe and free of '+'/'/'.
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	LenShortID = 9 // via https://github.com/teris-io/shortid#id-length
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func initShortID() {
	sid = shortid.MustNew(1 /*worker*/, uuidABC, uint64(RandSeed()))
}

// GenUUID generates a short, URL-safe, globally-likely-unique id, used
// for request ids and generated-batch ids (see the am package's
// txed-ams correlation table).
func GenUUID() string {
	sidOnce.Do(initShortID)
	return sid.MustGenerate()
}

func IsValidUUID(uuid string) bool { return len(uuid) >= LenShortID }

// RandSeed returns a cryptographically-sourced seed for the non-crypto
// generator above (shortid).
func RandSeed() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 1
	}
	return n.Int64()
}

// TeamHash computes the stable hash carried in the wire Header's
// team_hash field (spec §6): xxhash over the team's sorted world-PE list,
// so every PE derives the same value for the same team membership.
func TeamHash(worldPEs []int) uint64 {
	h := xxhash.New64()
	buf := make([]byte, 8)
	for _, pe := range worldPEs {
		for i := 0; i < 8; i++ {
			buf[i] = byte(pe >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}
