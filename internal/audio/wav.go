package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WriteWAVFile writes buf as a 16-bit PCM WAV file.
func WriteWAVFile(path string, buf PlaybackBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWAV writes buf to out as a 16-bit PCM WAV stream with channels
// interleaved.
func WriteWAV(out io.Writer, buf PlaybackBuffer) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	channels := len(buf.Samples)
	if channels == 0 {
		return fmt.Errorf("wav: buffer has no channels")
	}
	if buf.SampleRate <= 0 {
		return fmt.Errorf("wav: invalid sample rate %d", buf.SampleRate)
	}
	frames := buf.Frames()
	for c := 1; c < channels; c++ {
		if len(buf.Samples[c]) != frames {
			return fmt.Errorf("wav: channel %d has %d frames, want %d", c, len(buf.Samples[c]), frames)
		}
	}

	dataSize := uint32(frames * channels * bytesPerSample)
	header := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   audioFormat,
		Channels:      uint16(channels),
		SampleRate:    uint32(buf.SampleRate),
		ByteRate:      uint32(buf.SampleRate * channels * bitsPerSample / 8),
		BlockAlign:    uint16(channels * bitsPerSample / 8),
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	var sample [bytesPerSample]byte
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(sample[:], uint16(quantize(buf.Samples[c][f])))
			if _, err := w.Write(sample[:]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
