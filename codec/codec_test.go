package codec

import (
	"testing"
)

type addArgs struct {
	A    int    `json:"a" codec:"a"`
	B    int    `json:"b" codec:"b"`
	Note string `json:"note" codec:"note"`
}

func testRoundTrip(t *testing.T, c Codec) {
	t.Helper()

	original := &addArgs{A: 1, B: 2, Note: "sum"}

	data, err := c.Encode(original)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}

	var decoded addArgs
	if err := c.Decode(data, &decoded); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}

	if decoded != *original {
		t.Errorf("%s round trip mismatch: got %+v, want %+v", c.Type(), decoded, *original)
	}
}

func TestJSONCodec(t *testing.T) {
	testRoundTrip(t, &JSONCodec{})
}

func TestMsgpackCodec(t *testing.T) {
	testRoundTrip(t, &MsgpackCodec{})
}

func TestMsgpackCodecIsCompact(t *testing.T) {
	v := &addArgs{A: 1, B: 2, Note: "sum"}
	j, err := (&JSONCodec{}).Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	m, err := (&MsgpackCodec{}).Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) >= len(j) {
		t.Errorf("msgpack encoding (%d bytes) should be smaller than json (%d bytes)", len(m), len(j))
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Error("GetCodec(json) returned wrong codec")
	}
	if GetCodec(CodecTypeMsgpack).Type() != CodecTypeMsgpack {
		t.Error("GetCodec(msgpack) returned wrong codec")
	}
	if GetCodec(CodecType(9)).Type() != CodecTypeJSON {
		t.Error("unknown codec type should fall back to json")
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "msgpack": CodecTypeMsgpack} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Type() != want {
			t.Errorf("ByName(%q) = %s, want %s", name, c.Type(), want)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("expected error for unknown codec name")
	}
}

func TestMsgpackCodecDecodesStrings(t *testing.T) {
	c := &MsgpackCodec{}
	data, err := c.Encode(map[string]any{"note": "sum"})
	if err != nil {
		t.Fatal(err)
	}

	var decoded any
	if err := c.Decode(data, &decoded); err != nil {
		t.Fatal(err)
	}
	m, ok := decoded.(map[string]interface{})
	if !ok {
		t.Fatalf("decoded %T, want map[string]interface{}", decoded)
	}
	if s, ok := m["note"].(string); !ok || s != "sum" {
		t.Errorf("note = %#v, want string \"sum\"", m["note"])
	}
}
