// Package wire builds and parses the batch payloads the engine's
// LargeParcelableCodec decides whether to return inline or spill to shared
// memory.
package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-vhal/vhal"
)

var (
	errEmptyGetRequests = errors.New("wire: empty get request batch")
	errEmptySetRequests = errors.New("wire: empty set request batch")
)

// commands tag every encoded batch the same way the WDMP builders this
// package is descended from tag their payloads, so a decoder can tell a
// config list apart from a value batch without a second round trip.
type command string

const (
	cmdGetRequests   = command("GET_REQUESTS")
	cmdSetRequests   = command("SET_REQUESTS")
	cmdGetResults    = command("GET_RESULTS")
	cmdSetResults    = command("SET_RESULTS")
	cmdConfigs       = command("CONFIGS")
	cmdPropertyEvent = command("PROPERTY_EVENT")
	cmdPropertyError = command("PROPERTY_ERROR")
)

type envelope struct {
	Command command
	Payload cbor.RawMessage
}

// EncodeGetRequests builds the wire bytes for a getValues batch.
func EncodeGetRequests(reqs []vhal.GetRequest) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, errEmptyGetRequests
	}
	return encode(cmdGetRequests, reqs)
}

// DecodeGetRequests parses bytes produced by EncodeGetRequests.
func DecodeGetRequests(b []byte) ([]vhal.GetRequest, error) {
	var out []vhal.GetRequest
	if err := decode(cmdGetRequests, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeSetRequests builds the wire bytes for a setValues batch.
func EncodeSetRequests(reqs []vhal.SetRequest) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, errEmptySetRequests
	}
	return encode(cmdSetRequests, reqs)
}

// DecodeSetRequests parses bytes produced by EncodeSetRequests.
func DecodeSetRequests(b []byte) ([]vhal.SetRequest, error) {
	var out []vhal.SetRequest
	if err := decode(cmdSetRequests, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeGetResults builds the wire bytes for a getValues reply batch.
func EncodeGetResults(results []vhal.GetValueResult) ([]byte, error) {
	return encode(cmdGetResults, results)
}

// DecodeGetResults parses bytes produced by EncodeGetResults.
func DecodeGetResults(b []byte) ([]vhal.GetValueResult, error) {
	var out []vhal.GetValueResult
	if err := decode(cmdGetResults, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeSetResults builds the wire bytes for a setValues reply batch.
func EncodeSetResults(results []vhal.SetValueResult) ([]byte, error) {
	return encode(cmdSetResults, results)
}

// DecodeSetResults parses bytes produced by EncodeSetResults.
func DecodeSetResults(b []byte) ([]vhal.SetValueResult, error) {
	var out []vhal.SetValueResult
	if err := decode(cmdSetResults, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeConfigs builds the wire bytes for a getAllPropConfigs reply.
func EncodeConfigs(configs []vhal.PropertyConfig) ([]byte, error) {
	return encode(cmdConfigs, configs)
}

// DecodeConfigs parses bytes produced by EncodeConfigs.
func DecodeConfigs(b []byte) ([]vhal.PropertyConfig, error) {
	var out []vhal.PropertyConfig
	if err := decode(cmdConfigs, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeEvent builds the wire bytes for an onPropertyEvent callback delivery.
func EncodeEvent(event vhal.PropertyEvent) ([]byte, error) {
	return encode(cmdPropertyEvent, event)
}

// DecodeEvent parses bytes produced by EncodeEvent.
func DecodeEvent(b []byte) (vhal.PropertyEvent, error) {
	var out vhal.PropertyEvent
	if err := decode(cmdPropertyEvent, b, &out); err != nil {
		return vhal.PropertyEvent{}, err
	}
	return out, nil
}

// EncodeErrors builds the wire bytes for an onPropertySetError callback
// delivery.
func EncodeErrors(errs vhal.PropertyErrors) ([]byte, error) {
	return encode(cmdPropertyError, errs)
}

// DecodeErrors parses bytes produced by EncodeErrors.
func DecodeErrors(b []byte) (vhal.PropertyErrors, error) {
	var out vhal.PropertyErrors
	if err := decode(cmdPropertyError, b, &out); err != nil {
		return vhal.PropertyErrors{}, err
	}
	return out, nil
}

func encode(cmd command, v interface{}) ([]byte, error) {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{Command: cmd, Payload: payload})
}

func decode(want command, b []byte, out interface{}) error {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return err
	}
	if env.Command != want {
		return errors.New("wire: unexpected command " + string(env.Command))
	}
	return cbor.Unmarshal(env.Payload, out)
}
