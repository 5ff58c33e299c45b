package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
	// EncodeWAVPCM16LE.
	WAVHeaderSize = 44

	DefaultSampleRate = 16000

	pcmFormatCode    = 1
	pcmBitsPerSample = 16
	fmtChunkSize     = 16
)

var ErrNotWAV = errors.New("not a RIFF/WAVE payload")

// WAVHeader holds the fields of a canonical 44-byte PCM WAV header.
type WAVHeader struct {
	RIFFSize      uint32
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate, 1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * pcmBitsPerSample / 8

	h := WAVHeader{
		RIFFSize:      uint32(36 + len(pcm)),
		FmtSize:       fmtChunkSize,
		AudioFormat:   pcmFormatCode,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: pcmBitsPerSample,
		DataSize:      uint32(len(pcm)),
	}

	var hdr [WAVHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], h.RIFFSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], h.FmtSize)
	binary.LittleEndian.PutUint16(hdr[20:22], h.AudioFormat)
	binary.LittleEndian.PutUint16(hdr[22:24], h.Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], h.SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], h.ByteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], h.BlockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], h.BitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], h.DataSize)

	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// ParseWAVHeader reads the canonical header written by EncodeWAVPCM16LE.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	if len(b) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: %d bytes", ErrNotWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return WAVHeader{}, ErrNotWAV
	}
	return WAVHeader{
		RIFFSize:      binary.LittleEndian.Uint32(b[4:8]),
		FmtSize:       binary.LittleEndian.Uint32(b[16:20]),
		AudioFormat:   binary.LittleEndian.Uint16(b[20:22]),
		Channels:      binary.LittleEndian.Uint16(b[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(b[24:28]),
		ByteRate:      binary.LittleEndian.Uint32(b[28:32]),
		BlockAlign:    binary.LittleEndian.Uint16(b[32:34]),
		BitsPerSample: binary.LittleEndian.Uint16(b[34:36]),
		DataSize:      binary.LittleEndian.Uint32(b[40:44]),
	}, nil
}

// PlaybackDuration estimates how long a WAV payload takes to play. Payloads
// that are not WAV yield zero.
func PlaybackDuration(wav []byte) time.Duration {
	h, err := ParseWAVHeader(wav)
	if err != nil || h.ByteRate == 0 {
		return 0
	}
	return time.Duration(float64(h.DataSize) / float64(h.ByteRate) * float64(time.Second))
}
