package eitticket

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	frameVersion = 1

	// maxDecodedSize bounds the raw length a compressed frame may claim.
	maxDecodedSize = 16 << 20
)

// CodecConfig configures a Codec.
type CodecConfig struct {
	// MaxEncodedSize is the largest frame Encode may return. Zero means
	// unlimited.
	MaxEncodedSize int `yaml:"max_encoded_size"`
	// CompressionThreshold is the body size above which frames are
	// compressed. Zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`
	// Compression selects the algorithm: "zstd" (default), "lz4" or "none".
	Compression string `yaml:"compression"`
}

// Codec turns tickets and the values they carry into framed CBOR bytes and
// back. The wire schema is explicit: every supported type maps to a tagged
// wire struct, and timestamps keep their zone offset.
//
// Encoding works through pooled sessions owned by the codec. Codec is safe
// for concurrent use; a CodecSession is not.
type Codec struct {
	config      CodecConfig
	compression *PayloadCompression
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	sessions    sync.Pool
	inUse       atomic.Int64
}

// NewCodec creates a codec and its session pool.
func NewCodec(config CodecConfig) (*Codec, error) {
	tag, err := ParseCompressionTag(config.Compression)
	if err != nil {
		return nil, err
	}
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: CBOR encoder initialization failed: %w", err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: CBOR decoder initialization failed: %w", err)
	}
	compression, err := NewPayloadCompression(config.CompressionThreshold, tag)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	c := &Codec{
		config:      config,
		compression: compression,
		encMode:     encMode,
		decMode:     decMode,
	}
	c.sessions.New = func() any {
		s := &CodecSession{codec: c}
		s.enc = c.encMode.NewEncoder(&s.buf)
		return s
	}
	return c, nil
}

// Config returns the codec configuration.
func (c *Codec) Config() CodecConfig { return c.config }

// Close releases the compressors. The codec must not be used afterwards.
func (c *Codec) Close() error { return c.compression.Close() }

// InUse reports how many sessions are currently acquired.
func (c *Codec) InUse() int64 { return c.inUse.Load() }

// Acquire borrows a session. The caller must Release it, normally with
// defer.
func (c *Codec) Acquire() *CodecSession {
	s := c.sessions.Get().(*CodecSession)
	s.released = false
	c.inUse.Add(1)
	return s
}

// Encode encodes v with a pooled session.
func (c *Codec) Encode(v any) ([]byte, error) {
	s := c.Acquire()
	defer s.Release()
	return s.Encode(v)
}

// Decode decodes a frame produced by Encode.
func (c *Codec) Decode(data []byte) (any, error) {
	s := c.Acquire()
	defer s.Release()
	return s.Decode(data)
}

// EncodeTicket encodes a ticket.
func (c *Codec) EncodeTicket(t *Ticket) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil ticket", ErrInvalidTicket)
	}
	return c.Encode(t)
}

// DecodeTicket decodes a frame that must hold a ticket.
func (c *Codec) DecodeTicket(data []byte) (*Ticket, error) {
	v, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*Ticket)
	if !ok {
		return nil, fmt.Errorf("%w: frame holds %T, not a ticket", ErrMalformedFrame, v)
	}
	return t, nil
}

// CodecSession is a borrowed encoder with its own scratch buffer.
type CodecSession struct {
	codec    *Codec
	buf      bytes.Buffer
	enc      *cbor.Encoder
	released bool
}

// Release returns the session to its codec. The session must not be used
// afterwards; a repeated Release before it is reacquired is ignored.
func (s *CodecSession) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.buf.Reset()
	s.codec.inUse.Add(-1)
	s.codec.sessions.Put(s)
}

// Encode encodes v into a new frame.
func (s *CodecSession) Encode(v any) ([]byte, error) {
	obj, err := toWireObject(v)
	if err != nil {
		return nil, err
	}
	s.buf.Reset()
	if err := s.enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	frame, err := s.codec.frame(s.buf.Bytes())
	if err != nil {
		return nil, err
	}
	if limit := s.codec.config.MaxEncodedSize; limit > 0 && len(frame) > limit {
		return nil, &EncodingTooLargeError{Size: len(frame), Limit: limit}
	}
	return frame, nil
}

// Decode decodes a frame.
func (s *CodecSession) Decode(data []byte) (any, error) {
	body, err := s.codec.unframe(data)
	if err != nil {
		return nil, err
	}
	var obj wireObject
	if err := s.codec.decMode.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return fromWireObject(&obj)
}

// frame copies body into a new frame, compressing it when worthwhile.
func (c *Codec) frame(body []byte) ([]byte, error) {
	if c.compression.ShouldCompress(body) {
		packed, err := c.compression.Compress(body)
		switch {
		case err == nil:
			out := make([]byte, 2, 2+binary.MaxVarintLen64+len(packed))
			out[0], out[1] = frameVersion, byte(c.compression.Algorithm)
			out = binary.AppendUvarint(out, uint64(len(body)))
			return append(out, packed...), nil
		case err != errIncompressible:
			return nil, err
		}
	}
	out := make([]byte, 2, 2+len(body))
	out[0], out[1] = frameVersion, byte(CompressionNone)
	return append(out, body...), nil
}

func (c *Codec) unframe(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	if data[0] != frameVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedFrame, data[0])
	}
	tag := CompressionTag(data[1])
	if tag == CompressionNone {
		return data[2:], nil
	}
	rawLen, n := binary.Uvarint(data[2:])
	if n <= 0 || rawLen > maxDecodedSize {
		return nil, fmt.Errorf("%w: bad length header", ErrMalformedFrame)
	}
	return c.compression.Decompress(tag, data[2+n:], int(rawLen))
}

type objectKind uint8

const (
	objectTicket         objectKind = 1
	objectAuthentication objectKind = 2
	objectPrincipal      objectKind = 3
	objectAttributes     objectKind = 4
	objectTimestamp      objectKind = 5
)

type wireObject struct {
	Kind           objectKind             `cbor:"1,keyasint"`
	Ticket         *wireTicket            `cbor:"2,keyasint,omitempty"`
	Authentication *wireAuthentication    `cbor:"3,keyasint,omitempty"`
	Principal      *wirePrincipal         `cbor:"4,keyasint,omitempty"`
	Attributes     map[string][]wireValue `cbor:"5,keyasint,omitempty"`
	Timestamp      *wireTime              `cbor:"6,keyasint,omitempty"`
}

type wireTicket struct {
	ID               string              `cbor:"1,keyasint"`
	Kind             string              `cbor:"2,keyasint"`
	CreatedAt        wireTime            `cbor:"3,keyasint"`
	LastUsedAt       wireTime            `cbor:"4,keyasint"`
	UseCount         int                 `cbor:"5,keyasint,omitempty"`
	Policy           wirePolicy          `cbor:"6,keyasint"`
	Authentication   *wireAuthentication `cbor:"7,keyasint,omitempty"`
	Service          string              `cbor:"8,keyasint,omitempty"`
	GrantingTicketID string              `cbor:"9,keyasint,omitempty"`
}

type wirePolicy struct {
	Name        string `cbor:"1,keyasint"`
	TTL         int64  `cbor:"2,keyasint,omitempty"`
	Idle        int64  `cbor:"3,keyasint,omitempty"`
	HardCeiling int64  `cbor:"4,keyasint,omitempty"`
	MaxUses     int    `cbor:"5,keyasint,omitempty"`
}

type wireAuthentication struct {
	Principal       wirePrincipal          `cbor:"1,keyasint"`
	AuthenticatedAt wireTime               `cbor:"2,keyasint"`
	Attributes      map[string][]wireValue `cbor:"3,keyasint,omitempty"`
}

type wirePrincipal struct {
	ID         string                 `cbor:"1,keyasint"`
	Attributes map[string][]wireValue `cbor:"2,keyasint,omitempty"`
}

// wireTime carries the instant and the zone it was observed in, so a
// decoded value has the same offset as the encoded one.
type wireTime struct {
	_       struct{} `cbor:",toarray"`
	Seconds int64
	Nanos   int32
	Offset  int32
	Zone    string
}

type valueKind uint8

const (
	valueString valueKind = 1
	valueInt    valueKind = 2
	valueInt64  valueKind = 3
	valueFloat  valueKind = 4
	valueBool   valueKind = 5
	valueBytes  valueKind = 6
	valueTime   valueKind = 7
)

type wireValue struct {
	Kind   valueKind `cbor:"1,keyasint"`
	String string    `cbor:"2,keyasint,omitempty"`
	Int    int64     `cbor:"3,keyasint,omitempty"`
	Float  float64   `cbor:"4,keyasint,omitempty"`
	Bool   bool      `cbor:"5,keyasint,omitempty"`
	Bytes  []byte    `cbor:"6,keyasint,omitempty"`
	Time   *wireTime `cbor:"7,keyasint,omitempty"`
}

func toWireObject(v any) (*wireObject, error) {
	switch x := v.(type) {
	case *Ticket:
		if x == nil {
			return nil, &UnsupportedTypeError{Type: "nil *Ticket"}
		}
		t, err := toWireTicket(x)
		if err != nil {
			return nil, err
		}
		return &wireObject{Kind: objectTicket, Ticket: t}, nil
	case Ticket:
		return toWireObject(&x)
	case *Authentication:
		if x == nil {
			return nil, &UnsupportedTypeError{Type: "nil *Authentication"}
		}
		a, err := toWireAuthentication(x)
		if err != nil {
			return nil, err
		}
		return &wireObject{Kind: objectAuthentication, Authentication: a}, nil
	case Authentication:
		return toWireObject(&x)
	case Principal:
		p, err := toWirePrincipal(&x)
		if err != nil {
			return nil, err
		}
		return &wireObject{Kind: objectPrincipal, Principal: p}, nil
	case *Principal:
		if x == nil {
			return nil, &UnsupportedTypeError{Type: "nil *Principal"}
		}
		return toWireObject(*x)
	case map[string][]any:
		attrs, err := toWireAttributes(x, "attributes")
		if err != nil {
			return nil, err
		}
		return &wireObject{Kind: objectAttributes, Attributes: attrs}, nil
	case time.Time:
		wt := toWireTime(x)
		return &wireObject{Kind: objectTimestamp, Timestamp: &wt}, nil
	default:
		return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", v)}
	}
}

func fromWireObject(obj *wireObject) (any, error) {
	switch obj.Kind {
	case objectTicket:
		if obj.Ticket == nil {
			return nil, fmt.Errorf("%w: ticket body missing", ErrMalformedFrame)
		}
		return fromWireTicket(obj.Ticket)
	case objectAuthentication:
		if obj.Authentication == nil {
			return nil, fmt.Errorf("%w: authentication body missing", ErrMalformedFrame)
		}
		return fromWireAuthentication(obj.Authentication)
	case objectPrincipal:
		if obj.Principal == nil {
			return nil, fmt.Errorf("%w: principal body missing", ErrMalformedFrame)
		}
		return fromWirePrincipal(obj.Principal)
	case objectAttributes:
		attrs, err := fromWireAttributes(obj.Attributes)
		if err != nil {
			return nil, err
		}
		if attrs == nil {
			attrs = map[string][]any{}
		}
		return attrs, nil
	case objectTimestamp:
		if obj.Timestamp == nil {
			return nil, fmt.Errorf("%w: timestamp body missing", ErrMalformedFrame)
		}
		return fromWireTime(*obj.Timestamp), nil
	default:
		return nil, fmt.Errorf("%w: object kind %d", ErrMalformedFrame, obj.Kind)
	}
}

func toWireTicket(t *Ticket) (*wireTicket, error) {
	policy, err := toWirePolicy(t.Policy)
	if err != nil {
		return nil, err
	}
	out := &wireTicket{
		ID:               t.ID,
		Kind:             string(t.Kind),
		CreatedAt:        toWireTime(t.CreatedAt),
		LastUsedAt:       toWireTime(t.LastUsedAt),
		UseCount:         t.UseCount,
		Policy:           policy,
		Service:          t.Service,
		GrantingTicketID: t.GrantingTicketID,
	}
	if t.Authentication != nil {
		out.Authentication, err = toWireAuthentication(t.Authentication)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func fromWireTicket(w *wireTicket) (*Ticket, error) {
	policy, err := fromWirePolicy(w.Policy)
	if err != nil {
		return nil, err
	}
	t := &Ticket{
		ID:               w.ID,
		Kind:             TicketKind(w.Kind),
		CreatedAt:        fromWireTime(w.CreatedAt),
		LastUsedAt:       fromWireTime(w.LastUsedAt),
		UseCount:         w.UseCount,
		Policy:           policy,
		Service:          w.Service,
		GrantingTicketID: w.GrantingTicketID,
	}
	if w.Authentication != nil {
		t.Authentication, err = fromWireAuthentication(w.Authentication)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func toWirePolicy(p ExpirationPolicy) (wirePolicy, error) {
	switch x := p.(type) {
	case NeverExpires:
		return wirePolicy{Name: PolicyNeverExpires}, nil
	case *NeverExpires:
		return wirePolicy{Name: PolicyNeverExpires}, nil
	case TimeToLive:
		return wirePolicy{Name: PolicyTimeToLive, TTL: int64(x.TTL)}, nil
	case *TimeToLive:
		return toWirePolicy(*x)
	case SlidingIdleTimeout:
		return wirePolicy{Name: PolicySlidingIdleTimeout, Idle: int64(x.Idle), HardCeiling: int64(x.HardCeiling)}, nil
	case *SlidingIdleTimeout:
		return toWirePolicy(*x)
	case CountLimited:
		return wirePolicy{Name: PolicyCountLimited, MaxUses: x.MaxUses, TTL: int64(x.TTL)}, nil
	case *CountLimited:
		return toWirePolicy(*x)
	default:
		return wirePolicy{}, &UnsupportedTypeError{Type: fmt.Sprintf("%T", p), Path: "ticket.policy"}
	}
}

func fromWirePolicy(w wirePolicy) (ExpirationPolicy, error) {
	switch w.Name {
	case PolicyNeverExpires:
		return NeverExpires{}, nil
	case PolicyTimeToLive:
		return TimeToLive{TTL: time.Duration(w.TTL)}, nil
	case PolicySlidingIdleTimeout:
		return SlidingIdleTimeout{Idle: time.Duration(w.Idle), HardCeiling: time.Duration(w.HardCeiling)}, nil
	case PolicyCountLimited:
		return CountLimited{MaxUses: w.MaxUses, TTL: time.Duration(w.TTL)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrMalformedFrame, w.Name)
	}
}

func toWireAuthentication(a *Authentication) (*wireAuthentication, error) {
	p, err := toWirePrincipal(&a.Principal)
	if err != nil {
		return nil, err
	}
	attrs, err := toWireAttributes(a.Attributes, "authentication.attributes")
	if err != nil {
		return nil, err
	}
	return &wireAuthentication{
		Principal:       *p,
		AuthenticatedAt: toWireTime(a.AuthenticatedAt),
		Attributes:      attrs,
	}, nil
}

func fromWireAuthentication(w *wireAuthentication) (*Authentication, error) {
	p, err := fromWirePrincipal(&w.Principal)
	if err != nil {
		return nil, err
	}
	attrs, err := fromWireAttributes(w.Attributes)
	if err != nil {
		return nil, err
	}
	return &Authentication{
		Principal:       p,
		AuthenticatedAt: fromWireTime(w.AuthenticatedAt),
		Attributes:      attrs,
	}, nil
}

func toWirePrincipal(p *Principal) (*wirePrincipal, error) {
	attrs, err := toWireAttributes(p.Attributes, "principal.attributes")
	if err != nil {
		return nil, err
	}
	return &wirePrincipal{ID: p.ID, Attributes: attrs}, nil
}

func fromWirePrincipal(w *wirePrincipal) (Principal, error) {
	attrs, err := fromWireAttributes(w.Attributes)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: w.ID, Attributes: attrs}, nil
}

func toWireAttributes(attrs map[string][]any, path string) (map[string][]wireValue, error) {
	if attrs == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string][]wireValue, len(attrs))
	for _, k := range keys {
		values := make([]wireValue, 0, len(attrs[k]))
		for i, v := range attrs[k] {
			wv, err := toWireValue(v)
			if err != nil {
				return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", v), Path: fmt.Sprintf("%s[%q][%d]", path, k, i)}
			}
			values = append(values, wv)
		}
		out[k] = values
	}
	return out, nil
}

func fromWireAttributes(attrs map[string][]wireValue) (map[string][]any, error) {
	if attrs == nil {
		return nil, nil
	}
	out := make(map[string][]any, len(attrs))
	for k, values := range attrs {
		decoded := make([]any, 0, len(values))
		for _, wv := range values {
			v, err := fromWireValue(wv)
			if err != nil {
				return nil, err
			}
			decoded = append(decoded, v)
		}
		out[k] = decoded
	}
	return out, nil
}

func toWireValue(v any) (wireValue, error) {
	switch x := v.(type) {
	case string:
		return wireValue{Kind: valueString, String: x}, nil
	case int:
		return wireValue{Kind: valueInt, Int: int64(x)}, nil
	case int64:
		return wireValue{Kind: valueInt64, Int: x}, nil
	case float64:
		return wireValue{Kind: valueFloat, Float: x}, nil
	case bool:
		return wireValue{Kind: valueBool, Bool: x}, nil
	case []byte:
		return wireValue{Kind: valueBytes, Bytes: x}, nil
	case time.Time:
		wt := toWireTime(x)
		return wireValue{Kind: valueTime, Time: &wt}, nil
	default:
		return wireValue{}, &UnsupportedTypeError{Type: fmt.Sprintf("%T", v)}
	}
}

func fromWireValue(w wireValue) (any, error) {
	switch w.Kind {
	case valueString:
		return w.String, nil
	case valueInt:
		return int(w.Int), nil
	case valueInt64:
		return w.Int, nil
	case valueFloat:
		return w.Float, nil
	case valueBool:
		return w.Bool, nil
	case valueBytes:
		if w.Bytes == nil {
			return []byte{}, nil
		}
		return w.Bytes, nil
	case valueTime:
		if w.Time == nil {
			return nil, fmt.Errorf("%w: time value missing", ErrMalformedFrame)
		}
		return fromWireTime(*w.Time), nil
	default:
		return nil, fmt.Errorf("%w: value kind %d", ErrMalformedFrame, w.Kind)
	}
}

func toWireTime(t time.Time) wireTime {
	_, offset := t.Zone()
	return wireTime{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
		Offset:  int32(offset),
		Zone:    t.Location().String(),
	}
}

func fromWireTime(w wireTime) time.Time {
	instant := time.Unix(w.Seconds, int64(w.Nanos))
	return instant.In(resolveZone(w.Zone, int(w.Offset), instant))
}

// resolveZone prefers the named location when it yields the recorded
// offset at that instant, and falls back to a fixed zone otherwise. The
// offset always wins over the name.
func resolveZone(name string, offset int, instant time.Time) *time.Location {
	switch name {
	case "UTC":
		if offset == 0 {
			return time.UTC
		}
	case "Local":
		if _, off := instant.In(time.Local).Zone(); off == offset {
			return time.Local
		}
	case "":
	default:
		if loc, err := time.LoadLocation(name); err == nil {
			if _, off := instant.In(loc).Zone(); off == offset {
				return loc
			}
		}
	}
	return time.FixedZone(name, offset)
}
