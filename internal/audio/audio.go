// Package audio plays raw PCM through the default output device via
// PortAudio.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/kerollosy/sndcpy/internal/logging"
)

var log = logging.L("audio")

// Stream format emitted by the device-side capture app. There is no
// resampling or format negotiation; playback opens exactly this format.
const (
	Channels        = 2
	SampleRate      = 48000
	FramesPerBuffer = 1024

	// BlockSize is one playback buffer in bytes:
	// 1024 frames * 2 channels * 2 bytes per sample.
	BlockSize = FramesPerBuffer * Channels * 2
)

// Player writes 16-bit little-endian stereo PCM to the default output
// device in fixed-size blocks. Byte chunks of any length may be fed in;
// partial trailing samples are carried into the next write.
type Player struct {
	stream *portaudio.Stream
	buf    []int16
	frames *framer
	closed bool
}

// Open initializes the audio host and opens and starts the default output
// stream. The caller must Close the returned player to release the device.
func Open() (*Player, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing audio host: %w", err)
	}

	p := &Player{
		buf:    make([]int16, FramesPerBuffer*Channels),
		frames: newFramer(BlockSize),
	}

	stream, err := portaudio.OpenDefaultStream(0, Channels, float64(SampleRate), FramesPerBuffer, p.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("opening output stream: %w", err)
	}
	p.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("starting output stream: %w", err)
	}

	log.Debug("output stream open",
		"sampleRate", SampleRate,
		"channels", Channels,
		"framesPerBuffer", FramesPerBuffer,
	)
	return p, nil
}

// Write queues PCM bytes for playback, blocking while full blocks play.
func (p *Player) Write(data []byte) error {
	return p.frames.push(data, p.playBlock)
}

func (p *Player) playBlock(block []byte) error {
	decodeBlock(block, p.buf)
	if err := p.stream.Write(); err != nil {
		// Underflow means we fed data slower than the device consumed
		// it; an audible gap, not a broken stream.
		if errors.Is(err, portaudio.OutputUnderflowed) {
			log.Debug("output underflow")
			return nil
		}
		return fmt.Errorf("writing to output stream: %w", err)
	}
	return nil
}

// Close plays any buffered tail zero-padded, then stops the stream and
// terminates the audio host. Subsequent calls are no-ops.
func (p *Player) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if p.stream != nil {
		if err := p.frames.flush(p.playBlock); err != nil {
			firstErr = err
		}
		if err := p.stream.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.stream = nil
	}
	portaudio.Terminate()
	return firstErr
}

// decodeBlock converts little-endian sample bytes into dst. block must hold
// exactly len(dst) samples.
func decodeBlock(block []byte, dst []int16) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(block[i*2 : i*2+2]))
	}
}

// Probe reports the default output device name without opening a stream.
func Probe() (string, error) {
	if err := portaudio.Initialize(); err != nil {
		return "", fmt.Errorf("initializing audio host: %w", err)
	}
	defer portaudio.Terminate()

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return "", fmt.Errorf("querying default output device: %w", err)
	}
	return dev.Name, nil
}
