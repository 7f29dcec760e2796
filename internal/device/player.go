package device

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Hardware drives the speaker and the LED.
type Hardware interface {
	Play(ctx context.Context, path string) error
	Stop() error
	Pause() error
	SetVolume(v float64) error
	SetLED(color string, brightness float64) error
}

// SystemPlayer plays through mpg123 and sets the mixer with amixer. When a
// binary is missing the action is only logged, which is what runs on
// development machines.
type SystemPlayer struct {
	log zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	paused bool
}

// NewSystemPlayer creates a SystemPlayer.
func NewSystemPlayer(log zerolog.Logger) *SystemPlayer {
	return &SystemPlayer{log: log.With().Str("component", "player").Logger()}
}

// Play starts path, stopping whatever was playing.
func (p *SystemPlayer) Play(ctx context.Context, path string) error {
	_ = p.Stop()

	bin, err := exec.LookPath("mpg123")
	if err != nil {
		p.log.Info().Str("path", path).Msg("simulating playback")
		return nil
	}

	// Playback outlives the command that started it.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), bin, "--quiet", path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start mpg123: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.paused = false
	p.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
		}
		p.mu.Unlock()
	}()

	p.log.Info().Str("path", path).Msg("playing")
	return nil
}

// Stop ends playback. Stopping while idle is not an error.
func (p *SystemPlayer) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.paused = false
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("stop playback: %w", err)
	}
	p.log.Info().Msg("playback stopped")
	return nil
}

// Pause toggles playback of the running process.
func (p *SystemPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		p.log.Info().Msg("simulating pause")
		return nil
	}

	sig := syscall.SIGSTOP
	if p.paused {
		sig = syscall.SIGCONT
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("pause playback: %w", err)
	}
	p.paused = !p.paused
	return nil
}

// SetVolume sets the master volume, v in [0,1].
func (p *SystemPlayer) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume %.2f out of range", v)
	}

	bin, err := exec.LookPath("amixer")
	if err != nil {
		p.log.Info().Float64("volume", v).Msg("simulating volume change")
		return nil
	}
	out, err := exec.Command(bin, "set", "Master", fmt.Sprintf("%d%%", int(v*100))).CombinedOutput()
	if err != nil {
		return fmt.Errorf("amixer: %w: %s", err, out)
	}
	return nil
}

// SetLED sets the LED color. There is no driver yet, so this only logs.
func (p *SystemPlayer) SetLED(color string, brightness float64) error {
	p.log.Info().Str("color", color).Float64("brightness", brightness).Msg("LED set")
	return nil
}
