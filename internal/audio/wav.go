package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Clip is decoded 16-bit little-endian PCM.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.PCM)) / float64(c.SampleRate*c.Channels*2)
}

// DecodeWAV reads a RIFF/WAVE file holding 16-bit PCM.
func DecodeWAV(data []byte) (Clip, error) {
	r := bytes.NewReader(data)

	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return Clip{}, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: not a valid WAV file", ErrUnsupportedFormat)
	}

	var clip Clip
	var bits uint16
	haveFmt := false
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return Clip{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return Clip{}, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil || size < 16 {
				return Clip{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			clip.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return Clip{}, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, format, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			n := int(size)
			if n > r.Len() {
				n = r.Len()
			}
			clip.PCM = make([]byte, n)
			if _, err := io.ReadFull(r, clip.PCM); err != nil {
				return Clip{}, fmt.Errorf("failed to read PCM data: %w", err)
			}
			return clip, nil
		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return Clip{}, err
			}
		}
	}
}

// EncodeWAV wraps mono 16-bit PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// Mono8k converts the clip to 8kHz mono, the rate the recognizers are fed.
// Only rates that are whole multiples of 8kHz are accepted.
func (c Clip) Mono8k() (Clip, error) {
	if c.SampleRate <= 0 || c.SampleRate%8000 != 0 {
		return Clip{}, fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, c.SampleRate)
	}
	if c.Channels <= 0 {
		return Clip{}, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, c.Channels)
	}

	step := c.SampleRate / 8000
	frame := c.Channels * 2
	frames := len(c.PCM) / frame
	out := make([]byte, 0, frames/step*2+2)
	for i := 0; i < frames; i += step {
		var sum int32
		for ch := 0; ch < c.Channels; ch++ {
			off := i*frame + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(c.PCM[off:])))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/int32(c.Channels))))
	}
	return Clip{SampleRate: 8000, Channels: 1, PCM: out}, nil
}
