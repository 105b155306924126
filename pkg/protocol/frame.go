// Package protocol implements the JSON wire format spoken between the chat
// client and the streaming backend.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformedFrame is returned when a payload is not a valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType represents the type discriminator of a server frame
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameChunk
	FrameEnd
	FrameError
)

// String returns the wire representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameChunk:
		return "chunk"
	case FrameEnd:
		return "end"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

func parseFrameType(s string) FrameType {
	switch s {
	case "chunk":
		return FrameChunk
	case "end":
		return FrameEnd
	case "error":
		return FrameError
	default:
		return FrameUnknown
	}
}

// Frame represents one server-to-client message
type Frame struct {
	Type    FrameType
	Content string
	// Tag holds the raw type value, kept for logging unknown frames.
	Tag string
}

// Chunk returns a chunk frame carrying content.
func Chunk(content string) Frame {
	return Frame{Type: FrameChunk, Content: content}
}

// End returns an end-of-reply frame.
func End() Frame {
	return Frame{Type: FrameEnd}
}

// Error returns an error frame carrying a message.
func Error(content string) Frame {
	return Frame{Type: FrameError, Content: content}
}

// Encode encodes the frame into JSON bytes
func (f *Frame) Encode() ([]byte, error) {
	s, err := f.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes JSON bytes into a frame.
// Frames with an unrecognised type decode successfully as FrameUnknown.
func (f *Frame) Decode(data []byte) error {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f.fromProto(s)
}

// toProto converts the Frame to a protobuf Struct.
func (f *Frame) toProto() (*structpb.Struct, error) {
	fields := map[string]any{"type": f.Type.String()}
	if f.Type != FrameEnd {
		fields["content"] = f.Content
	}
	return structpb.NewStruct(fields)
}

// fromProto populates the Frame from a protobuf Struct.
func (f *Frame) fromProto(s *structpb.Struct) error {
	tag, ok := stringField(s, "type")
	if !ok {
		f.Type = FrameUnknown
		f.Tag = ""
		f.Content = ""
		return nil
	}
	f.Tag = tag
	f.Type = parseFrameType(tag)
	f.Content = ""

	v, present := s.GetFields()["content"]
	if !present {
		return nil
	}
	switch v.GetKind().(type) {
	case *structpb.Value_StringValue:
		f.Content = v.GetStringValue()
	case *structpb.Value_NullValue:
	default:
		if f.Type == FrameChunk || f.Type == FrameError {
			return fmt.Errorf("%w: content of %s frame is not a string", ErrMalformedFrame, tag)
		}
	}
	return nil
}

// Request represents one client-to-server message
type Request struct {
	Prompt string
	// SystemPrompt optionally steers the backend; omitted when empty.
	SystemPrompt string
}

// Encode encodes the request into JSON bytes
func (r *Request) Encode() ([]byte, error) {
	fields := map[string]any{"prompt": r.Prompt}
	if r.SystemPrompt != "" {
		fields["system_prompt"] = r.SystemPrompt
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// Decode decodes JSON bytes into a request. A missing prompt decodes as "".
func (r *Request) Decode(data []byte) error {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	r.Prompt, _ = stringField(s, "prompt")
	r.SystemPrompt, _ = stringField(s, "system_prompt")
	return nil
}

func stringField(s *structpb.Struct, name string) (string, bool) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", false
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}
