package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// headerReadLimit bounds how much of a file is inspected for container headers
const headerReadLimit = 64 << 10

var flacMarker = []byte("fLaC")

// ErrUnsupportedFormat is returned for containers whose header cannot be read
var ErrUnsupportedFormat = errors.New("unsupported audio container")

// Metadata is the subset of stream parameters the recognizer needs
type Metadata struct {
	SampleRate int    // Sample rate in Hz
	Channels   int    // Number of channels
	Format     string // Detected MIME type
}

// FileMetadataReader reads sample rate and channel count from audio file headers.
// WAV, FLAC, Ogg Opus and MP3 are parsed; anything else resolves to the
// fallback values when FallbackSampleRate is set.
type FileMetadataReader struct {
	FallbackSampleRate int
	FallbackChannels   int
}

// NewFileMetadataReader creates a reader with optional fallback values
func NewFileMetadataReader(fallbackSampleRate, fallbackChannels int) *FileMetadataReader {
	return &FileMetadataReader{
		FallbackSampleRate: fallbackSampleRate,
		FallbackChannels:   fallbackChannels,
	}
}

// ReadMetadata inspects the file at path and returns its stream parameters
func (r *FileMetadataReader) ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	header := make([]byte, headerReadLimit)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read audio header: %w", err)
	}
	header = header[:n]
	if n == 0 {
		return nil, fmt.Errorf("audio file is empty: %s", path)
	}

	mtype := mimetype.Detect(header)
	format := mtype.String()

	var meta *Metadata
	switch {
	case mtype.Is("audio/wav"):
		meta, err = parseWAV(header)
	// mimetype only matches FLAC when STREAMINFO is not the last metadata block
	case bytes.HasPrefix(header, flacMarker) || mtype.Is("audio/flac"):
		format = "audio/flac"
		meta, err = parseFLAC(header)
	case mtype.Is("audio/ogg"), mtype.Is("application/ogg"):
		meta, err = parseOggOpus(header)
	case mtype.Is("audio/mpeg"):
		meta, err = parseMP3(f, header)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if errors.Is(err, ErrUnsupportedFormat) && r.FallbackSampleRate > 0 {
		channels := r.FallbackChannels
		if channels <= 0 {
			channels = 1
		}
		return &Metadata{SampleRate: r.FallbackSampleRate, Channels: channels, Format: format}, nil
	}
	if err != nil {
		return nil, err
	}

	meta.Format = format
	return meta, nil
}

// wavFormatChunk is the body of a RIFF "fmt " chunk
type wavFormatChunk struct {
	AudioFormat   uint16 // 1 for PCM
	NumChannels   uint16 // Number of channels
	SampleRate    uint32 // Sample rate
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16 // Bits per sample
}

// parseWAV walks RIFF chunks until it finds "fmt "
func parseWAV(data []byte) (*Metadata, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if id == "fmt " {
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("invalid WAV file: truncated fmt chunk")
			}
			var chunk wavFormatChunk
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, &chunk); err != nil {
				return nil, fmt.Errorf("failed to read WAV fmt chunk: %w", err)
			}
			if chunk.SampleRate == 0 || chunk.NumChannels == 0 {
				return nil, fmt.Errorf("invalid WAV fmt chunk: rate=%d channels=%d", chunk.SampleRate, chunk.NumChannels)
			}
			return &Metadata{SampleRate: int(chunk.SampleRate), Channels: int(chunk.NumChannels)}, nil
		}

		// Chunks are word aligned
		offset = body + size + size&1
	}

	return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
}

// parseFLAC reads the mandatory STREAMINFO block that follows the "fLaC" marker
func parseFLAC(data []byte) (*Metadata, error) {
	// marker(4) + block header(4) + STREAMINFO(34)
	if len(data) < 42 || string(data[0:4]) != "fLaC" {
		return nil, fmt.Errorf("invalid FLAC file: header too short")
	}
	if data[4]&0x7F != 0 {
		return nil, fmt.Errorf("invalid FLAC file: first metadata block is not STREAMINFO")
	}

	// 20 bits sample rate, 3 bits channels-1, starting 10 bytes into STREAMINFO
	info := data[8:]
	sampleRate := int(info[10])<<12 | int(info[11])<<4 | int(info[12])>>4
	channels := int((info[12]>>1)&0x07) + 1
	if sampleRate == 0 {
		return nil, fmt.Errorf("invalid FLAC STREAMINFO: sample rate 0")
	}

	return &Metadata{SampleRate: sampleRate, Channels: channels}, nil
}

// parseOggOpus reads the OpusHead identification packet of the first Ogg page
func parseOggOpus(data []byte) (*Metadata, error) {
	if len(data) < 27 || string(data[0:4]) != "OggS" {
		return nil, fmt.Errorf("invalid Ogg file: missing capture pattern")
	}

	packet := 27 + int(data[26])
	if packet+19 > len(data) {
		return nil, fmt.Errorf("invalid Ogg file: truncated first page")
	}
	if string(data[packet:packet+8]) != "OpusHead" {
		return nil, fmt.Errorf("%w: Ogg stream is not Opus", ErrUnsupportedFormat)
	}

	channels := int(data[packet+9])
	sampleRate := int(binary.LittleEndian.Uint32(data[packet+12 : packet+16]))
	if sampleRate == 0 {
		// Opus always decodes at 48 kHz; input rate 0 means unspecified
		sampleRate = 48000
	}
	if channels == 0 {
		return nil, fmt.Errorf("invalid OpusHead: channel count 0")
	}

	return &Metadata{SampleRate: sampleRate, Channels: channels}, nil
}

var mp3SampleRates = [4][3]int{
	{11025, 12000, 8000},  // MPEG 2.5
	{0, 0, 0},             // reserved
	{22050, 24000, 16000}, // MPEG 2
	{44100, 48000, 32000}, // MPEG 1
}

// parseMP3 skips an ID3v2 tag and decodes the first MPEG audio frame header
func parseMP3(r io.ReaderAt, header []byte) (*Metadata, error) {
	data := header
	if len(data) >= 10 && string(data[0:3]) == "ID3" {
		tagSize := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
		offset := 10 + tagSize
		if data[5]&0x10 != 0 {
			offset += 10 // footer
		}

		if offset < len(data) {
			data = data[offset:]
		} else {
			// Large tags (embedded artwork) push the first frame past the header buffer
			buf := make([]byte, 4096)
			n, err := r.ReadAt(buf, int64(offset))
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read MP3 frame: %w", err)
			}
			data = buf[:n]
		}
	}

	for i := 0; i+4 <= len(data); i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}

		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		bitrateIdx := data[i+2] >> 4
		rateIdx := (data[i+2] >> 2) & 0x03
		if version == 1 || layer == 0 || bitrateIdx == 0x0F || rateIdx == 0x03 {
			continue
		}

		channels := 2
		if data[i+3]>>6 == 0x03 {
			channels = 1
		}
		return &Metadata{SampleRate: mp3SampleRates[version][rateIdx], Channels: channels}, nil
	}

	return nil, fmt.Errorf("invalid MP3 file: no frame header found")
}
