package encoder

import "testing"

func TestEncoderNameMapping(t *testing.T) {
	cases := []struct {
		codec Codec
		want  string
	}{
		{CodecH264, "h264_vaapi"},
		{CodecHEVC, "hevc_vaapi"},
		{CodecVP9, "vp9_vaapi"},
		{Codec(99), "h264_vaapi"},
	}
	for _, c := range cases {
		if got := c.codec.encoderName(); got != c.want {
			t.Errorf("Codec(%d).encoderName() = %q, want %q", c.codec, got, c.want)
		}
	}
}
