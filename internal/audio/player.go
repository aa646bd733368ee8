package audio

import (
	"context"
	"time"

	"github.com/CyCoreSystems/audiosocket"
)

// Player paces PCM out in real time: 320 byte chunks every 20ms for 8kHz
// 16-bit mono, the same cadence AudioSocket uses for slin frames.
type Player struct {
	ChunkSize int
	Interval  time.Duration
}

func NewPlayer() *Player {
	return &Player{
		ChunkSize: audiosocket.DefaultSlinChunkSize,
		Interval:  20 * time.Millisecond,
	}
}

// Play feeds pcm to sink chunk by chunk until it is exhausted, stop is
// closed or ctx ends. It returns the number of bytes played.
func (p *Player) Play(ctx context.Context, pcm []byte, stop <-chan struct{}, sink func([]byte) error) (int, error) {
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = audiosocket.DefaultSlinChunkSize
	}

	var ticker *time.Ticker
	if p.Interval > 0 {
		ticker = time.NewTicker(p.Interval)
		defer ticker.Stop()
	}

	played := 0
	for i := 0; i < len(pcm); i += chunkSize {
		select {
		case <-ctx.Done():
			return played, ctx.Err()
		case <-stop:
			return played, nil
		default:
		}

		end := i + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := sink(pcm[i:end]); err != nil {
			return played, err
		}
		played = end

		if ticker != nil && end < len(pcm) {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return played, ctx.Err()
			case <-stop:
				return played, nil
			}
		}
	}
	return played, nil
}
