package capture

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// wavPCMFormat is the WAVE format tag for uncompressed PCM.
const wavPCMFormat = 1

// wavSink writes 16-bit signed little-endian PCM into a WAV container.
// It is not safe for concurrent use.
type wavSink struct {
	f   *os.File
	enc *wav.Encoder
	buf *goaudio.IntBuffer
}

func openWAVSink(path string, format audio.Format) (*wavSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	s := &wavSink{
		f:   f,
		enc: wav.NewEncoder(f, int(format.SampleRate), audio.BitDepth, int(format.Channels), wavPCMFormat),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: int(format.Channels), SampleRate: int(format.SampleRate)},
			SourceBitDepth: audio.BitDepth,
		},
	}

	// Writing an empty buffer emits the RIFF and data chunk headers, so a
	// recording without any audio still finalizes into a valid file.
	if err := s.enc.Write(s.buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return s, nil
}

// Write appends one buffer of S16LE samples.
func (s *wavSink) Write(pcm []byte) error {
	n := len(pcm) / 2
	if cap(s.buf.Data) < n {
		s.buf.Data = make([]int, n)
	}
	s.buf.Data = s.buf.Data[:n]
	for i := range n {
		s.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return s.enc.Write(s.buf)
}

// Close finalizes the WAV header and closes the file.
func (s *wavSink) Close() error {
	encErr := s.enc.Close()
	closeErr := s.f.Close()
	if encErr != nil {
		return fmt.Errorf("finalize wav: %w", encErr)
	}
	return closeErr
}
