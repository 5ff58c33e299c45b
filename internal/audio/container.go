package audio

import "bytes"

// Container MIME types recognised by DetectContainer.
const (
	MIMEWebM = "audio/webm"
	MIMEWAV  = "audio/wav"
	MIMEOgg  = "audio/ogg"
	MIMEMP3  = "audio/mp3"
)

var (
	ebmlMagic = []byte{0x1a, 0x45, 0xdf, 0xa3}
	riffMagic = []byte("RIFF")
	oggMagic  = []byte("OggS")
	id3Magic  = []byte("ID3")
	mp3Sync   = []byte{0xff, 0xfb}
)

// DetectContainer sniffs the leading bytes of payload and returns the
// container MIME type. ok is false when no known signature matches.
func DetectContainer(payload []byte) (mime string, ok bool) {
	switch {
	case bytes.HasPrefix(payload, ebmlMagic):
		return MIMEWebM, true
	case bytes.HasPrefix(payload, riffMagic):
		return MIMEWAV, true
	case bytes.HasPrefix(payload, oggMagic):
		return MIMEOgg, true
	case bytes.HasPrefix(payload, id3Magic), bytes.HasPrefix(payload, mp3Sync):
		return MIMEMP3, true
	}
	return "", false
}

// ResolveMIME prefers the sniffed container over the caller's declaration.
func ResolveMIME(payload []byte, declared string) string {
	if mime, ok := DetectContainer(payload); ok {
		return mime
	}
	if declared == "" {
		return MIMEWebM
	}
	return declared
}
