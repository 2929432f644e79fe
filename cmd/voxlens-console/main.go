package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"voxlens/internal/app"
	"voxlens/internal/config"
	"voxlens/internal/pipeline"
	"voxlens/internal/recorder"
	"voxlens/internal/scratch"
)

type processor interface {
	Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.ProcessResult, error)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainImpl() error {
	outDir := flag.String("out", ".", "directory that receives the answer audio")
	gainDB := flag.Float64("gain", recorder.DefaultGainDB, "gain in dB applied to microphone recordings")
	maxDuration := flag.Duration("max", recorder.DefaultMaxDuration, "longest microphone recording kept")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	// stdout belongs to the conversation.
	logger := app.NewLogger(cfg.LogLevel, os.Stderr)

	components, err := app.Build(cfg, app.NewHTTPClient(cfg.RequestTimeout), nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	rl, err := readline.New("image> ")
	if err != nil {
		return err
	}
	defer func() {
		_ = rl.Close()
	}()

	// Opened on first use so machines without a capture device can still
	// answer questions from files.
	var mic *recorder.Microphone
	defer func() {
		if mic != nil {
			_ = mic.Close()
		}
	}()
	recOpts := recorder.DefaultOptions()
	recOpts.GainDB = *gainDB
	recOpts.MaxDuration = *maxDuration

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("Enter the path of an image, then the path of a recorded question.")
	fmt.Println("Leave the audio line empty (or type :record) to ask through the microphone. :quit or Ctrl-D exits.")
	for {
		imagePath, ok := prompt(rl, "image> ")
		if !ok {
			break
		}
		if imagePath == "" {
			continue
		}
		audioPath, ok := prompt(rl, "audio> ")
		if !ok {
			break
		}

		source := fromFile(audioPath)
		if audioPath == "" || audioPath == ":record" {
			if mic == nil {
				m, err := recorder.NewMicrophone(uint32(recOpts.SampleRate))
				if err != nil {
					fmt.Println("error: microphone unavailable:", err)
					continue
				}
				mic = m
			}
			source = fromMicrophone(mic, recorder.CalibrationPeriod, func() {
				fmt.Println("Start speaking. Press Enter when done.")
				rl.SetPrompt("")
				_, _ = rl.Readline()
			}, recOpts)
			fmt.Println("Adjusting for ambient noise...")
		}

		result, saved, err := ask(ctx, components.Pipeline, source, cfg.ScratchDir, *outDir, imagePath)
		if err != nil {
			logger.Warn("ask_failed", "error", err)
			fmt.Println("error:", err)
			continue
		}
		fmt.Printf("You asked: %s\n\n%s\n\n(audio saved to %s)\n", result.Transcript, result.Answer, saved)
	}
	return nil
}

// prompt returns ok=false on :quit, Ctrl-D or interrupt. Blank lines come
// back as "".
func prompt(rl *readline.Instance, p string) (string, bool) {
	rl.SetPrompt(p)
	line, err := rl.Readline()
	if err != nil { // io.EOF or interrupt
		return "", false
	}
	line = strings.TrimSpace(line)
	if line == ":quit" {
		return "", false
	}
	if strings.HasPrefix(line, ":") {
		return line, true
	}
	return expandHome(strings.Trim(line, `"'`)), true
}

// audioSource yields the path of the question audio, creating it inside ws
// when it has to be recorded.
type audioSource func(ws *scratch.Workspace) (string, error)

func fromFile(path string) audioSource {
	return func(*scratch.Workspace) (string, error) {
		return path, nil
	}
}

func fromMicrophone(src recorder.Source, calibration time.Duration, waitForStop func(), opts recorder.Options) audioSource {
	return func(ws *scratch.Workspace) (string, error) {
		path := ws.Path("question", ".wav")
		if err := recorder.Record(src, calibration, waitForStop, path, opts); err != nil {
			return "", err
		}
		return path, nil
	}
}

// ask runs one question in a fresh workspace and copies the answer audio to
// outDir before the workspace is removed.
func ask(ctx context.Context, p processor, audio audioSource, scratchDir, outDir, imagePath string) (pipeline.ProcessResult, string, error) {
	ws, err := scratch.New(scratchDir)
	if err != nil {
		return pipeline.ProcessResult{}, "", err
	}
	defer func() { _ = ws.Close() }()

	audioPath, err := audio(ws)
	if err != nil {
		return pipeline.ProcessResult{}, "", err
	}

	result, err := p.Process(ctx, pipeline.ProcessInput{
		AudioPath: audioPath,
		ImagePath: imagePath,
		OutputDir: ws.Dir(),
	})
	if err != nil {
		return pipeline.ProcessResult{}, "", err
	}

	dst := filepath.Join(outDir, filepath.Base(result.Audio.Path))
	if err := copyFile(result.Audio.Path, dst); err != nil {
		return pipeline.ProcessResult{}, "", err
	}
	return result, dst, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
