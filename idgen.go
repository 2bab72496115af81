package eitticket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
)

const (
	// DefaultTokenLength is the random segment length used when a
	// generator is built with a non-positive length.
	DefaultTokenLength = 32

	// SequenceDigits is the fixed width of the sequence segment.
	SequenceDigits = 5

	sequenceModulus = 100000
	idSeparator     = "-"
	tokenAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// TicketIDGenerator produces ids of the form
// <prefix>-<sequence>-<token>[-<suffix>].
//
// The sequence is a zero-padded counter of SequenceDigits digits that
// starts at a random offset and wraps, so ids from different generators
// rarely share it. Uniqueness rests on the token, which is drawn from
// crypto/rand. Safe for concurrent use.
type TicketIDGenerator struct {
	tokenLength int
	suffix      string
	sequence    atomic.Uint64
}

// NewTicketIDGenerator creates a generator. An empty suffix appends
// nothing, not even a separator.
func NewTicketIDGenerator(tokenLength int, suffix string) *TicketIDGenerator {
	if tokenLength <= 0 {
		tokenLength = DefaultTokenLength
	}
	g := &TicketIDGenerator{
		tokenLength: tokenLength,
		suffix:      strings.TrimSpace(suffix),
	}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		g.sequence.Store(binary.BigEndian.Uint64(seed[:]) % sequenceModulus)
	}
	return g
}

// TokenLength returns the configured random segment length.
func (g *TicketIDGenerator) TokenLength() int { return g.tokenLength }

// Suffix returns the configured suffix, possibly empty.
func (g *TicketIDGenerator) Suffix() string { return g.suffix }

// IDLength returns the length of every id generated for prefix.
func (g *TicketIDGenerator) IDLength(prefix string) int {
	n := len(prefix) + len(idSeparator) + SequenceDigits + len(idSeparator) + g.tokenLength
	if g.suffix != "" {
		n += len(idSeparator) + len(g.suffix)
	}
	return n
}

// NewTicketID returns a fresh id for prefix.
func (g *TicketIDGenerator) NewTicketID(prefix string) string {
	seq := g.sequence.Add(1) % sequenceModulus

	var b strings.Builder
	b.Grow(g.IDLength(prefix))
	b.WriteString(prefix)
	b.WriteString(idSeparator)
	fmt.Fprintf(&b, "%0*d", SequenceDigits, seq)
	b.WriteString(idSeparator)
	b.WriteString(randomToken(g.tokenLength))
	if g.suffix != "" {
		b.WriteString(idSeparator)
		b.WriteString(g.suffix)
	}
	return b.String()
}

// randomToken draws n characters uniformly from tokenAlphabet. Bytes at or
// above the largest multiple of the alphabet size are rejected to avoid
// modulo bias.
func randomToken(n int) string {
	const limit = 256 - 256%len(tokenAlphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("eitticket: crypto/rand failed: " + err.Error())
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(c)%len(tokenAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
