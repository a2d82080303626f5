package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// Duration reads the WAV headers of the provided data and derives the
// audio duration from the actual sample format rather than assuming a
// nominal one. Only 16-bit PCM input is supported.
func Duration(wavData []byte) (time.Duration, error) {
	decoder := wav.NewDecoder(bytes.NewReader(wavData))

	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return 0, fmt.Errorf("read wave file headers: %w", err)
	}

	if decoder.SampleBitDepth() != 16 {
		return 0, fmt.Errorf("wave data with unsupported bit depth of %d provided, expected 16", decoder.SampleBitDepth())
	}

	duration, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("get audio duration from wave headers: %w", err)
	}

	return duration, nil
}

// FromRawPCM wraps raw little-endian 16-bit mono PCM samples into a WAV
// container so that they can be fed to the transcription API and served
// back as a playable file.
func FromRawPCM(pcmData []byte, sampleRate int) ([]byte, error) {
	if len(pcmData) == 0 || len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("raw PCM data must be a non-empty sequence of 16-bit samples but has %d bytes", len(pcmData))
	}

	samples := make([]int, len(pcmData)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcmData[i*2 : i*2+2])))
	}

	wavFile := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(wavFile, sampleRate, 16, 1, 1)

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
		Data:           samples,
	}

	if err := encoder.Write(buffer); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	wavData, err := io.ReadAll(wavFile.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}

	return wavData, nil
}
