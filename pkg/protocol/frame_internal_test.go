package protocol

import "testing"

func TestFrame_toProto(t *testing.T) {
	tests := []struct {
		name        string
		frame       Frame
		wantType    string
		wantContent bool
	}{
		{"chunk carries content", Chunk("a"), "chunk", true},
		{"error carries content", Error("b"), "error", true},
		{"end has no content", End(), "end", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.frame.toProto()
			if err != nil {
				t.Fatalf("toProto() error = %v", err)
			}
			if got := s.GetFields()["type"].GetStringValue(); got != tt.wantType {
				t.Errorf("toProto() type = %q, want %q", got, tt.wantType)
			}
			if _, ok := s.GetFields()["content"]; ok != tt.wantContent {
				t.Errorf("toProto() content present = %v, want %v", ok, tt.wantContent)
			}
		})
	}
}

func TestParseFrameType(t *testing.T) {
	// Unknown tags degrade to FrameUnknown so newer servers stay compatible.
	for _, tag := range []string{"", "CHUNK", "ping", "end "} {
		if got := parseFrameType(tag); got != FrameUnknown {
			t.Errorf("parseFrameType(%q) = %v, want FrameUnknown", tag, got)
		}
	}
}
