package runtime

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/xmidt-org/wrp-go/v3"

	"github.com/go-vhal/vhal"
	"github.com/go-vhal/vhal/wire"
)

// LargeParcelableCodec encodes a batch, and if the encoding is small enough
// returns it inline; otherwise it spills the bytes to a SharedMemoryRegion
// and returns only a handle. Every encoded batch is wrapped in a wrp.Message
// envelope so the wire format carries a transaction id and content type
// alongside the payload, matching how the driver-facing transport this
// codec descends from tags its frames.
type LargeParcelableCodec struct {
	threshold int
	shm       *SharedMemoryPool
}

// NewLargeParcelableCodec builds a codec that inlines payloads no larger
// than threshold bytes and spills anything bigger into shm.
func NewLargeParcelableCodec(threshold int, shm *SharedMemoryPool) *LargeParcelableCodec {
	return &LargeParcelableCodec{threshold: threshold, shm: shm}
}

// Threshold reports the inline/spill boundary in bytes, for a caller
// deciding whether to push a request batch through storeRegion before
// calling getValues or setValues.
func (c *LargeParcelableCodec) Threshold() int { return c.threshold }

// Parcel is what the codec hands back: either Inline bytes or a handle to a
// SharedMemoryRegion holding them, never both.
type Parcel struct {
	Inline []byte    `json:"inline,omitempty"`
	Handle uuid.UUID `json:"handle,omitempty"`
	Large  bool      `json:"large,omitempty"`
}

const wrpContentType = "application/vnd.vhal.parcel"

// wrapMessage wraps payload in a wrp.Message envelope and returns its
// msgpack encoding, the inline wire format both directions of the codec
// produce and expect.
func wrapMessage(payload []byte) ([]byte, error) {
	msg := &wrp.Message{
		Type:            wrp.SimpleEventMessageType,
		TransactionUUID: uuid.NewString(),
		ContentType:     wrpContentType,
		Payload:         payload,
	}
	var buf bytes.Buffer
	if err := wrp.NewEncoder(&buf, wrp.Msgpack).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeParcel wraps payload in a wrp.Message, and spills to shared memory
// for clientID if the wrapped envelope crosses the configured threshold.
func (c *LargeParcelableCodec) encodeParcel(clientID vhal.ClientID, payload []byte) (Parcel, error) {
	encoded, err := wrapMessage(payload)
	if err != nil {
		return Parcel{}, err
	}
	if len(encoded) <= c.threshold {
		return Parcel{Inline: encoded}, nil
	}
	region, err := c.shm.Acquire(clientID, encoded)
	if err != nil {
		return Parcel{}, err
	}
	return Parcel{Handle: region.Handle, Large: true}, nil
}

// EncodeGetResults builds the parcel for a getValues reply batch.
func (c *LargeParcelableCodec) EncodeGetResults(clientID vhal.ClientID, results []vhal.GetValueResult) (Parcel, error) {
	payload, err := wire.EncodeGetResults(results)
	if err != nil {
		return Parcel{}, err
	}
	return c.encodeParcel(clientID, payload)
}

// EncodeSetResults builds the parcel for a setValues reply batch.
func (c *LargeParcelableCodec) EncodeSetResults(clientID vhal.ClientID, results []vhal.SetValueResult) (Parcel, error) {
	payload, err := wire.EncodeSetResults(results)
	if err != nil {
		return Parcel{}, err
	}
	return c.encodeParcel(clientID, payload)
}

// EncodeConfigs builds the parcel for a getAllPropConfigs reply.
func (c *LargeParcelableCodec) EncodeConfigs(clientID vhal.ClientID, configs []vhal.PropertyConfig) (Parcel, error) {
	payload, err := wire.EncodeConfigs(configs)
	if err != nil {
		return Parcel{}, err
	}
	return c.encodeParcel(clientID, payload)
}

// EncodeEvent builds the parcel for an onPropertyEvent callback delivery.
func (c *LargeParcelableCodec) EncodeEvent(clientID vhal.ClientID, event vhal.PropertyEvent) (Parcel, error) {
	payload, err := wire.EncodeEvent(event)
	if err != nil {
		return Parcel{}, err
	}
	return c.encodeParcel(clientID, payload)
}

// EncodeErrors builds the parcel for an onPropertySetError callback delivery.
func (c *LargeParcelableCodec) EncodeErrors(clientID vhal.ClientID, errs vhal.PropertyErrors) (Parcel, error) {
	payload, err := wire.EncodeErrors(errs)
	if err != nil {
		return Parcel{}, err
	}
	return c.encodeParcel(clientID, payload)
}

// EncodeGetRequests builds the inline wire bytes for a getValues request
// batch, for a client to send as the getValues method's params. The
// counterpart of DecodeGetRequests.
func EncodeGetRequests(reqs []vhal.GetRequest) ([]byte, error) {
	payload, err := wire.EncodeGetRequests(reqs)
	if err != nil {
		return nil, err
	}
	return wrapMessage(payload)
}

// EncodeSetRequests builds the inline wire bytes for a setValues request
// batch. The counterpart of DecodeSetRequests.
func EncodeSetRequests(reqs []vhal.SetRequest) ([]byte, error) {
	payload, err := wire.EncodeSetRequests(reqs)
	if err != nil {
		return nil, err
	}
	return wrapMessage(payload)
}

// unwrapMessage reverses wrapMessage: it decodes the wrp.Message envelope
// and returns its payload for wire.Decode* to parse.
func unwrapMessage(inline []byte) ([]byte, error) {
	var msg wrp.Message
	if err := wrp.NewDecoder(bytes.NewReader(inline), wrp.Msgpack).Decode(&msg); err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return msg.Payload, nil
}

// DecodeGetRequests unwraps a wrp.Message envelope and parses its payload as
// a getValues request batch from an inline parcel. A request batch that
// spilled to shared memory is read through its handle and handed to this
// function as the resulting bytes; see internal/server's storeRegion method.
func DecodeGetRequests(inline []byte) ([]vhal.GetRequest, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return nil, err
	}
	reqs, err := wire.DecodeGetRequests(payload)
	if err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return reqs, nil
}

// DecodeSetRequests unwraps a wrp.Message envelope and parses its payload as
// a setValues request batch.
func DecodeSetRequests(inline []byte) ([]vhal.SetRequest, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return nil, err
	}
	reqs, err := wire.DecodeSetRequests(payload)
	if err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return reqs, nil
}

// DecodeGetResults unwraps a wrp.Message envelope and parses its payload as
// a getValues reply batch, the client-side counterpart of EncodeGetResults,
// for an inline Parcel or one fetched from shared memory by handle.
func DecodeGetResults(inline []byte) ([]vhal.GetValueResult, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return nil, err
	}
	out, err := wire.DecodeGetResults(payload)
	if err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return out, nil
}

// DecodeSetResults is DecodeGetResults for a setValues reply batch.
func DecodeSetResults(inline []byte) ([]vhal.SetValueResult, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return nil, err
	}
	out, err := wire.DecodeSetResults(payload)
	if err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return out, nil
}

// DecodeConfigs is DecodeGetResults for a getAllPropConfigs reply.
func DecodeConfigs(inline []byte) ([]vhal.PropertyConfig, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return nil, err
	}
	out, err := wire.DecodeConfigs(payload)
	if err != nil {
		return nil, vhal.ErrDecodeFailed
	}
	return out, nil
}

// DecodeEvent is DecodeGetResults for a propertyEvent delivery.
func DecodeEvent(inline []byte) (vhal.PropertyEvent, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return vhal.PropertyEvent{}, err
	}
	out, err := wire.DecodeEvent(payload)
	if err != nil {
		return vhal.PropertyEvent{}, vhal.ErrDecodeFailed
	}
	return out, nil
}

// DecodeErrors is DecodeGetResults for a propertySetError delivery.
func DecodeErrors(inline []byte) (vhal.PropertyErrors, error) {
	payload, err := unwrapMessage(inline)
	if err != nil {
		return vhal.PropertyErrors{}, err
	}
	out, err := wire.DecodeErrors(payload)
	if err != nil {
		return vhal.PropertyErrors{}, vhal.ErrDecodeFailed
	}
	return out, nil
}
