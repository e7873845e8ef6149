// Package audio plays alarm sounds through the system output. It is a
// single global resource: an Output owns one oto context and at most one
// looping player at a time.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Output owns the audio device. Construct one per process and hand it to
// the lifecycle controller; it stops any running playback before starting
// the next so two ringing alarms can never overlap.
type Output struct {
	soundDir string

	mu      sync.Mutex
	ctx     *oto.Context
	ctxOnce sync.Once
	ready   bool
	current *Player
}

func NewOutput(soundDir string) *Output {
	return &Output{soundDir: soundDir}
}

// Play loads <soundDir>/<sound>.wav and loops it at the given volume until
// Stop. A missing or unreadable file falls back to a synthesized beep so
// an alarm never rings silently.
func (o *Output) Play(sound string, volume float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		o.current.Stop()
		o.current = nil
	}

	format, data := o.loadSound(sound)
	o.initContext(format)
	if !o.ready || o.ctx == nil {
		return fmt.Errorf("audio context not ready")
	}

	p := &Player{
		ctx:      o.ctx,
		volume:   volume,
		stopChan: make(chan struct{}),
	}
	go p.playLoop(data)
	o.current = p
	return nil
}

// Stop halts playback. Safe to call when nothing is playing.
func (o *Output) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		o.current.Stop()
		o.current = nil
	}
}

func (o *Output) loadSound(sound string) (*wavFormat, []byte) {
	if sound != "" && o.soundDir != "" {
		path := filepath.Join(o.soundDir, sound+".wav")
		if raw, err := os.ReadFile(path); err == nil {
			if format, data, err := parseWAV(raw); err == nil {
				return format, data
			}
			log.Printf("Failed to parse WAV file %s, using beep", path)
		}
	}
	return beepFormat(), synthesizeBeep()
}

// initContext initializes the oto context once, with the first sound's
// format. Hardware contexts cannot be reconfigured, so later sounds play
// through whatever format came first.
func (o *Output) initContext(format *wavFormat) {
	o.ctxOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		}

		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			log.Printf("Failed to initialize audio context: %v", err)
			return
		}

		// Wait for the hardware audio devices to be ready
		<-readyChan

		o.ctx = ctx
		o.ready = true
		log.Println("Audio context initialized")
	})
}

// Player loops one sound until stopped
type Player struct {
	ctx      *oto.Context
	volume   float64
	stopChan chan struct{}
	player   *oto.Player
	stopped  bool
	mu       sync.Mutex
}

func (p *Player) playLoop(audioData []byte) {
	for {
		// New player per loop iteration; oto players are one-shot readers.
		p.player = p.ctx.NewPlayer(bytes.NewReader(audioData))
		p.player.SetVolume(clampVolume(p.volume))
		p.player.Play()

		for p.player.IsPlaying() {
			select {
			case <-p.stopChan:
				p.player.Pause()
				p.player.Close()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}

		if err := p.player.Close(); err != nil {
			log.Printf("Failed to close audio player: %v", err)
		}

		select {
		case <-p.stopChan:
			return
		default:
		}
	}
}

// Stop stops the audio playback. Redundant calls are no-ops.
func (p *Player) Stop() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stopped {
		p.stopped = true
		close(p.stopChan)
		if p.player != nil {
			p.player.Pause()
		}
	}
}

func clampVolume(v float64) float64 {
	if v <= 0 {
		return 1
	}
	if v > 1 {
		return 1
	}
	return v
}

// wavFormat holds WAV file format information
type wavFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func beepFormat() *wavFormat {
	return &wavFormat{SampleRate: 44100, Channels: 1, BitDepth: 16}
}

// synthesizeBeep renders one second of an 880 Hz pulse as 16-bit mono PCM
func synthesizeBeep() []byte {
	const rate = 44100
	buf := make([]byte, rate*2)
	for i := 0; i < rate; i++ {
		var sample int16
		// 400ms tone, 600ms silence per loop
		if i < rate*2/5 {
			v := math.Sin(2 * math.Pi * 880 * float64(i) / rate)
			sample = int16(v * 0.6 * math.MaxInt16)
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

// parseWAV parses a WAV file and returns the format and audio data
func parseWAV(data []byte) (*wavFormat, []byte, error) {
	reader := bytes.NewReader(data)

	riff := make([]byte, 4)
	if _, err := reader.Read(riff); err != nil {
		return nil, nil, err
	}
	if string(riff) != "RIFF" {
		return nil, nil, fmt.Errorf("not a RIFF file")
	}

	// Skip file size
	reader.Seek(4, io.SeekCurrent)

	wave := make([]byte, 4)
	if _, err := reader.Read(wave); err != nil {
		return nil, nil, err
	}

	format := &wavFormat{}
	var dataStart int64
	var dataSize uint32

	for dataSize == 0 {
		chunkID := make([]byte, 4)
		if _, err := reader.Read(chunkID); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, err
		}

		var chunkSize uint32
		if err := binary.Read(reader, binary.LittleEndian, &chunkSize); err != nil {
			return nil, nil, err
		}

		switch string(chunkID) {
		case "fmt ":
			// A PCM fmt chunk is at least 16 bytes; anything shorter would
			// underflow the remainder seek below.
			if chunkSize < 16 {
				return nil, nil, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			var audioFormat uint16
			binary.Read(reader, binary.LittleEndian, &audioFormat)

			var numChannels uint16
			binary.Read(reader, binary.LittleEndian, &numChannels)
			format.Channels = int(numChannels)

			var sampleRate uint32
			binary.Read(reader, binary.LittleEndian, &sampleRate)
			format.SampleRate = int(sampleRate)

			// Skip byte rate and block align
			reader.Seek(6, io.SeekCurrent)

			var bitsPerSample uint16
			binary.Read(reader, binary.LittleEndian, &bitsPerSample)
			format.BitDepth = int(bitsPerSample)

			if remaining := chunkSize - 16; remaining > 0 {
				reader.Seek(int64(remaining), io.SeekCurrent)
			}
		case "data":
			dataStart, _ = reader.Seek(0, io.SeekCurrent)
			dataSize = chunkSize
		default:
			reader.Seek(int64(chunkSize), io.SeekCurrent)
		}
	}

	if dataSize == 0 || format.SampleRate == 0 {
		return nil, nil, fmt.Errorf("missing fmt or data chunk")
	}

	audioData := make([]byte, dataSize)
	reader.Seek(dataStart, io.SeekStart)
	reader.Read(audioData)

	return format, audioData, nil
}
