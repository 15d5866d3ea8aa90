package codec

import "testing"

type benchArgs struct {
	Name  string            `json:"name" codec:"name"`
	A     int               `json:"a" codec:"a"`
	B     int               `json:"b" codec:"b"`
	Tags  []string          `json:"tags" codec:"tags"`
	Attrs map[string]string `json:"attrs" codec:"attrs"`
}

func benchCodec(b *testing.B, cdc Codec) {
	in := &benchArgs{
		Name:  "Arith.Add",
		A:     1,
		B:     2,
		Tags:  []string{"a", "b", "c"},
		Attrs: map[string]string{"region": "global"},
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(in)
		if err != nil {
			b.Fatal(err)
		}
		var out benchArgs
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// JSON 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B) { benchCodec(b, GetCodec(CodecTypeJSON)) }

// Msgpack 编解码性能（不走网络，纯 codec）
func BenchmarkCodecMsgpack(b *testing.B) { benchCodec(b, GetCodec(CodecTypeMsgpack)) }
