package ipsec

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// spiModulus is a prime near 2^28 bounding the SPI permutation. Every
// counter value maps to a distinct permuted value within this modulus.
const spiModulus uint32 = 268435399

// spiOffset biases generated SPIs into the range reserved for locally
// allocated SPIs, away from the space used by IKE-negotiated peers.
const spiOffset uint32 = 0xc0000000

// SPIAllocator generates unique-looking 32-bit SPIs from a monotonic
// counter passed through a quadratic-residue permutation.
//
// The counter seed and the per-run mix value are drawn once from
// crypto/rand at construction; the mix value spreads consecutive counter
// values across the permutation domain so allocated SPIs do not cluster.
// Next is lock-free and never fails after construction.
type SPIAllocator struct {
	counter atomic.Uint32
	mix     uint32
}

// NewSPIAllocator seeds a new allocator from crypto/rand. A failing random
// source is the only error case and is fatal for the caller: without a
// random seed the generated SPI sequence would repeat across runs.
func NewSPIAllocator() (*SPIAllocator, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed SPI allocator: %w", err)
	}

	a := &SPIAllocator{
		mix: binary.BigEndian.Uint32(seed[4:]),
	}
	a.counter.Store(binary.BigEndian.Uint32(seed[:4]))

	return a, nil
}

// Next returns a fresh SPI in host byte order. Values are pairwise distinct
// within one allocator lifetime, bounded by the permutation modulus.
func (a *SPIAllocator) Next() uint32 {
	c := a.counter.Add(1)
	return spiOffset + permute(c^a.mix, spiModulus)
}

// permute maps x through a one-to-one function over [0, p) using quadratic
// residues. For prime p congruent 3 mod 4, x*x mod p covers each residue
// exactly twice; folding the upper half with p-qr restores injectivity.
func permute(x, p uint32) uint32 {
	x %= p
	qr := uint32(uint64(x) * uint64(x) % uint64(p))
	if x <= p/2 {
		return qr
	}
	return p - qr
}
