package audio

import "time"

// Float32ToPCM16 converts float32 samples in [-1, 1] to little-endian int16
// PCM, saturating at the int16 range. Out-of-range inputs clamp rather than
// wrap, so a clipped capture never produces wrap-around artifacts.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM bytes to float32 samples in
// [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// PCM16Duration returns the audible length of n bytes of mono PCM16 at rate.
func PCM16Duration(n int, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}

// PCM16Bytes returns the number of mono PCM16 bytes covering d at rate.
func PCM16Bytes(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	samples := int(int64(rate) * int64(d) / int64(time.Second))
	return samples * 2
}
