package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/position"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/storage"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/stream"
)

// Global flags
var (
	dbPath     string
	sampleRate int
	ffmpegPath string
)

func init() {
	flag.StringVar(&dbPath, "db", getEnvOrDefault("SCOREFOLLOW_DB_PATH", storage.DefaultDBFile), "Path to the SQLite session registry")
	flag.IntVar(&sampleRate, "rate", score.DefaultRenderSampleRate, "Sample rate for rendered reference audio")
	flag.StringVar(&ffmpegPath, "ffmpeg", getEnvOrDefault("SCOREFOLLOW_FFMPEG_PATH", "ffmpeg"), "Path to the ffmpeg binary")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	log := logger.GetLogger()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	log.Debugf("Executing command: %s", command)

	switch command {
	case "devices":
		handleDevices()
	case "render":
		handleRender(args[1:])
	case "follow":
		handleFollow(args[1:])
	case "sessions":
		handleSessions()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// splitArgs separates leading positional arguments from trailing flags.
func splitArgs(args []string) (positional, flags []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return positional, args[i:]
		}
		positional = append(positional, arg)
	}
	return positional, nil
}

func handleDevices() {
	log := logger.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := audio.ListOrPlaceholder(ctx, audio.CommandLister{FFmpegPath: ffmpegPath})
	if err != nil {
		log.Warnf("Device listing failed: %v", err)
	}

	fmt.Printf("\n🎤 %d input device(s):\n\n", len(devices))
	for i, d := range devices {
		marker := ""
		if i == 0 && d.Default {
			marker = " (default)"
		}
		fmt.Printf("  [%d] %s%s\n", d.Index, d.Name, marker)
	}
}

func handleRender(args []string) {
	log := logger.GetLogger()

	positional, flagArgs := splitArgs(args)
	renderCmd := flag.NewFlagSet("render", flag.ExitOnError)
	converter := renderCmd.String("converter", "mscore", "Command that converts MusicXML to MIDI")
	renderCmd.Parse(flagArgs)

	if len(positional) != 1 {
		fmt.Println("Usage: scorefollow render <score.mid|score.musicxml> [--converter mscore]")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	prepared, err := score.Prepare(ctx, positional[0], score.PrepareConfig{
		Converter:  score.CommandConverter{Command: *converter, Timeout: 2 * time.Minute},
		SampleRate: sampleRate,
	})
	if err != nil {
		fmt.Printf("❌ Failed to prepare score: %v\n", err)
		log.Errorf("Prepare failed: %v", err)
		os.Exit(1)
	}

	size := "?"
	if info, err := os.Stat(prepared.AudioPath); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	s := prepared.Score
	fmt.Printf("\n✅ Prepared %s\n", filepath.Base(positional[0]))
	fmt.Printf("   MIDI:     %s\n", prepared.MIDIPath)
	fmt.Printf("   Audio:    %s (%s)\n", prepared.AudioPath, size)
	fmt.Printf("   Duration: %.2fs, %.2f quarters\n", s.Duration(), s.QuarterAt(s.Duration()))
	fmt.Printf("   Notes:    %d (%d onsets)\n", len(s.Notes()), len(s.Onsets()))
}

// followSource reports the live state of the one offline session.
type followSource struct {
	store *position.Store

	mu     sync.Mutex
	status models.SessionStatus
	reason string
}

func (f *followSource) Position(id string) models.Position { return f.store.Get(id) }

func (f *followSource) Status(string) (models.SessionStatus, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.reason
}

func (f *followSource) set(status models.SessionStatus, reason string) {
	f.mu.Lock()
	f.status, f.reason = status, reason
	f.mu.Unlock()
}

// printConn prints each published message on its own line, with the score
// time of the beat.
type printConn struct {
	score *score.Score
}

func (p printConn) WriteJSON(v any) error {
	msg := v.(stream.Message)
	beat := "   -            "
	if msg.HasPosition {
		beat = fmt.Sprintf("%6.2f (%7.2fs)", msg.BeatPosition, p.score.SecondsAt(msg.BeatPosition))
	}
	line := fmt.Sprintf("%s  beat %s  %s", time.Now().Format("15:04:05.000"), beat, msg.Status)
	if msg.Error != "" {
		line += "  " + msg.Error
	}
	_, err := fmt.Println(line)
	return err
}

func handleFollow(args []string) {
	log := logger.GetLogger()

	positional, flagArgs := splitArgs(args)
	followCmd := flag.NewFlagSet("follow", flag.ExitOnError)
	engine := followCmd.String("engine", scorefollow.EngineAuto, "Alignment engine: auto, clock or onset")
	realtime := followCmd.Bool("realtime", true, "Pace file input at its real duration")
	interval := followCmd.Duration("interval", stream.DefaultInterval, "How often the position is printed")
	followCmd.Parse(flagArgs)

	if len(positional) < 1 || len(positional) > 2 {
		fmt.Println("Usage: scorefollow follow <score.mid> [performance.wav] [--engine onset] [--realtime=false]")
		os.Exit(1)
	}

	ref, err := score.Load(positional[0])
	if err != nil {
		fmt.Printf("❌ Failed to load score: %v\n", err)
		log.Errorf("Load failed: %v", err)
		os.Exit(1)
	}

	input := models.InputDescriptor{Kind: models.InputNone}
	if len(positional) == 2 {
		input = models.InputDescriptor{Kind: models.InputFile, Path: positional[1]}
	}

	engines, err := scorefollow.EngineByName(*engine, scorefollow.EngineConfig{})
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	tmpDir, err := os.MkdirTemp("", "scorefollow-follow-")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	opener := audio.NewOpener(tmpDir)
	opener.File.Realtime = *realtime
	opener.Capture.FFmpegPath = ffmpegPath

	const sessionID = "offline"
	src := &followSource{store: position.NewStore(), status: models.StatusActive}
	worker := &scorefollow.Worker{
		SessionID: sessionID,
		Score:     ref,
		Input:     input,
		Opener:    opener,
		Engines:   engines,
		Store:     src.store,
		Log:       log.With("[follow]"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("\n🎼 Following %s (%.1fs) with %s input\n", filepath.Base(positional[0]), ref.Duration(), input.Kind)
	if input.Kind == models.InputFile {
		if info, err := audio.Probe(ctx, "", input.Path); err == nil {
			fmt.Printf("   Performance: %s, %.1fs, %d Hz, %d channel(s)\n", info.Filename, info.DurationSec, info.SampleRate, info.Channels)
		} else {
			log.Debugf("ffprobe: %v", err)
		}
	}
	fmt.Println()

	go func() {
		err := worker.Run(ctx)
		switch {
		case err == nil:
			src.set(models.StatusCompleted, "")
		case ctx.Err() != nil:
			src.set(models.StatusStopped, "")
		default:
			src.set(models.StatusFailed, err.Error())
		}
	}()

	pub := &stream.Publisher{Source: src, Interval: *interval}
	if err := pub.Run(context.Background(), printConn{score: ref}, sessionID); err != nil {
		log.Errorf("Printing failed: %v", err)
		os.Exit(1)
	}

	if status, _ := src.Status(sessionID); status == models.StatusFailed {
		os.Exit(1)
	}
}

func handleSessions() {
	log := logger.GetLogger()

	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		fmt.Printf("❌ Failed to open registry: %v\n", err)
		log.Errorf("Registry initialization failed: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("❌ Failed to list sessions: %v\n", err)
		log.Errorf("ListSessions failed: %v", err)
		os.Exit(1)
	}

	if len(sessions) == 0 {
		fmt.Println("\n📭 No sessions in registry")
		return
	}

	fmt.Printf("\n📚 Found %d session(s):\n\n", len(sessions))
	for i, s := range sessions {
		fmt.Printf("%d. %s  %s  [%s]\n", i+1, s.ID, s.OriginalName, s.Status)
		if s.Error != "" {
			fmt.Printf("   Error: %s\n", s.Error)
		}
		fmt.Printf("   Registered %s\n", humanize.Time(s.CreatedAt))
	}
}

func printUsage() {
	fmt.Println("ScoreFollow - score following tools")
	fmt.Println("\nGlobal Options:")
	fmt.Println("  --db <path>        Path to SQLite registry (env: SCOREFOLLOW_DB_PATH, default: scorefollow.sqlite3)")
	fmt.Println("  --rate <hz>        Sample rate for rendered audio (default: 22050)")
	fmt.Println("  --ffmpeg <path>    ffmpeg binary (env: SCOREFOLLOW_FFMPEG_PATH)")
	fmt.Println("\nUsage:")
	fmt.Println("  scorefollow [global-options] devices")
	fmt.Println("  scorefollow [global-options] render <score>  [--converter mscore]")
	fmt.Println("  scorefollow [global-options] follow <score.mid> [performance.wav] [--engine auto|clock|onset] [--realtime=false] [--interval 100ms]")
	fmt.Println("  scorefollow [global-options] sessions")
	fmt.Println("\nExamples:")
	fmt.Println("  # Render a MusicXML score to MIDI and reference audio")
	fmt.Println("  scorefollow render etude.musicxml")
	fmt.Println()
	fmt.Println("  # Follow the rendered audio against its own score")
	fmt.Println("  scorefollow follow etude.mid etude.wav --realtime=false")
	fmt.Println()
	fmt.Println("  # Simulate a performer playing exactly in time")
	fmt.Println("  scorefollow follow etude.mid --engine clock")
}
