package tools

import (
	"fmt"
	"time"
)

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// FrameBytes is the PCM16 byte count of duration at rate and channels.
func FrameBytes(duration time.Duration, rate, channels int) int {
	return FrameSamples(duration, rate, channels) * BytesPerSample
}

// ConvertPCM16 upsamples by an integer ratio (sample repeat) and maps mono to
// stereo by duplication or stereo to mono by averaging.
func ConvertPCM16(pcm []byte, srcRate, srcChannels, dstRate, dstChannels int) ([]byte, error) {
	if srcRate <= 0 || dstRate <= 0 || dstRate%srcRate != 0 {
		return nil, fmt.Errorf("%w: cannot resample %d Hz to %d Hz", ErrInvalidFormat, srcRate, dstRate)
	}
	if srcChannels < 1 || srcChannels > 2 || dstChannels < 1 || dstChannels > 2 {
		return nil, fmt.Errorf("%w: unsupported channel layout %d -> %d", ErrInvalidFormat, srcChannels, dstChannels)
	}
	in := BytesToInt16(pcm)
	frames := len(in) / srcChannels
	ratio := dstRate / srcRate
	out := make([]int16, 0, frames*ratio*dstChannels)
	for f := 0; f < frames; f++ {
		var l, r int16
		if srcChannels == 1 {
			l, r = in[f], in[f]
		} else {
			l, r = in[2*f], in[2*f+1]
		}
		for range ratio {
			if dstChannels == 1 {
				out = append(out, int16((int32(l)+int32(r))/2))
			} else {
				out = append(out, l, r)
			}
		}
	}
	return Int16ToBytes(out), nil
}
