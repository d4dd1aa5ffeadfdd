package network

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// HeaderFormat identifies the encoding of the dynamic header. Its id is
// carried in the top byte of the frame flags.
type HeaderFormat uint8

const (
	FormatInvalid HeaderFormat = iota
	FormatCBOR
	FormatProto
	FormatJSON
)

// DefaultHeaderFormat is used when a channel does not name one.
const DefaultHeaderFormat = FormatCBOR

// String returns the string representation of HeaderFormat
func (f HeaderFormat) String() string {
	switch f {
	case FormatCBOR:
		return "cbor"
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// IsValid reports whether f names a supported format.
func (f HeaderFormat) IsValid() bool {
	return f >= FormatCBOR && f <= FormatJSON
}

// ParseHeaderFormat converts a configuration string to a HeaderFormat.
func ParseHeaderFormat(s string) (HeaderFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbor":
		return FormatCBOR, nil
	case "proto", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatInvalid, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// dynamicHeader holds the variable part of the message header
type dynamicHeader struct {
	RPCName   string `cbor:"1,keyasint,omitempty" json:"rpc_name,omitempty"`
	Error     int32  `cbor:"2,keyasint,omitempty" json:"error,omitempty"`
	TimeoutMS int64  `cbor:"3,keyasint,omitempty" json:"timeout_ms,omitempty"`
	Hash      uint64 `cbor:"4,keyasint,omitempty" json:"hash,omitempty"`
	From      string `cbor:"5,keyasint,omitempty" json:"from,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func encodeDynamicHeader(f HeaderFormat, h *dynamicHeader) ([]byte, error) {
	switch f {
	case FormatCBOR:
		return cborEnc.Marshal(h)
	case FormatJSON:
		return json.Marshal(h)
	case FormatProto:
		// Every key is always present so the encoding is never empty
		s, err := structpb.NewStruct(map[string]any{
			"rpc_name":   h.RPCName,
			"error":      float64(h.Error),
			"timeout_ms": float64(h.TimeoutMS),
			"hash":       strconv.FormatUint(h.Hash, 10),
			"from":       h.From,
		})
		if err != nil {
			return nil, err
		}
		return proto.MarshalOptions{Deterministic: true}.Marshal(s)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
	}
}

func decodeDynamicHeader(f HeaderFormat, data []byte, h *dynamicHeader) error {
	switch f {
	case FormatCBOR:
		return cborDec.Unmarshal(data, h)
	case FormatJSON:
		return json.Unmarshal(data, h)
	case FormatProto:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return err
		}
		fields := s.GetFields()
		h.RPCName = fields["rpc_name"].GetStringValue()
		h.Error = int32(fields["error"].GetNumberValue())
		h.TimeoutMS = int64(fields["timeout_ms"].GetNumberValue())
		h.From = fields["from"].GetStringValue()
		if hash := fields["hash"].GetStringValue(); hash != "" {
			v, err := strconv.ParseUint(hash, 10, 64)
			if err != nil {
				return fmt.Errorf("partition hash: %w", err)
			}
			h.Hash = v
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
	}
}
