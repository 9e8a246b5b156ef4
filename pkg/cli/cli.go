package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara"
	"github.com/igolaizola/synthara/pkg/cmd/migrate"
	"github.com/igolaizola/synthara/pkg/cmd/serve"
	"github.com/igolaizola/synthara/pkg/cmd/songs"
	"github.com/igolaizola/synthara/pkg/cmd/status"
	"github.com/igolaizola/synthara/pkg/cmd/submit"
	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "SYNTHARA"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("synthara", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "synthara [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newMigrateCommand(),
			newServeCommand(),
			newSubmitCommand(),
			newStatusCommand(),
			newSongsCommand(),
			newGenerateCommand(),
		},
	}
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "synthara version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

func dbFlags(fs *flag.FlagSet, dbType, dbConn *string) {
	fs.StringVar(dbType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(dbConn, "db-conn", "synthara.db", "path for sqlite, dsn for mysql or postgres")
}

func fsFlags(fs *flag.FlagSet, fsType, fsConn *string) {
	fs.StringVar(fsType, "fs-type", "", "fs type (local, s3)")
	fs.StringVar(fsConn, "fs-conn", "", "path for local, key:secret@bucket.region for s3")
}

type synthFlags struct {
	describe        *string
	lyrics          *string
	describedLyrics *string
	key             *string
	secret          *string
}

func newSynthFlags(fs *flag.FlagSet) *synthFlags {
	return &synthFlags{
		describe:        fs.String("describe-endpoint", "", "endpoint for full described songs"),
		lyrics:          fs.String("lyrics-endpoint", "", "endpoint for lyrics and style songs"),
		describedLyrics: fs.String("described-lyrics-endpoint", "", "endpoint for style and described lyrics songs"),
		key:             fs.String("modal-key", "", "synthesis service key"),
		secret:          fs.String("modal-secret", "", "synthesis service secret"),
	}
}

func (f *synthFlags) endpoints() mode.Endpoints {
	return mode.Endpoints{
		Describe:             *f.describe,
		LyricsStyle:          *f.lyrics,
		StyleDescribedLyrics: *f.describedLyrics,
	}
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "create or update the database schema",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		},
	}
}

func newServeCommand() *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &serve.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fsFlags(fs, &cfg.FSType, &cfg.FSConn)
	fs.StringVar(&cfg.Addr, "addr", "localhost:8080", "server address")
	fsMapVar(fs, &cfg.Credentials, "credentials", nil, "event ingress credentials (semicolon separated) Example: user1:pass1;user2:pass2")

	sf := newSynthFlags(fs)
	fs.Float64Var(&cfg.Rate, "rate", 0, "maximum synthesis requests per second (0 means no limit)")
	fs.IntVar(&cfg.UserConcurrency, "user-concurrency", 1, "concurrent generations per user")
	fs.IntVar(&cfg.Retries, "retries", 3, "retries after a synthesis transport failure")
	fs.StringVar(&cfg.ResumeSpec, "resume-spec", "@every 1m", "cron spec to resume unfinished runs (empty disables it)")

	kafkaBrokers := fs.String("kafka-brokers", "", "kafka brokers (comma separated), events are handled in process if empty")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", "generate-song", "kafka topic for generate song events")
	fs.StringVar(&cfg.KafkaGroup, "kafka-group", "synthara", "kafka consumer group")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "run the api server and the song generation workflow",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.DescribeEndpoint = *sf.describe
			cfg.LyricsEndpoint = *sf.lyrics
			cfg.DescribedLyricsEndpoint = *sf.describedLyrics
			cfg.ModalKey = *sf.key
			cfg.ModalSecret = *sf.secret
			cfg.KafkaBrokers = splitList(*kafkaBrokers)
			return serve.Run(ctx, cfg)
		},
	}
}

func newSubmitCommand() *ffcli.Command {
	cmd := "submit"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &submit.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fs.StringVar(&cfg.UserID, "user", "", "user id that owns the songs")
	fs.StringVar(&cfg.Input, "input", "", "csv or json file with song requests (optional)")
	fs.IntVar(&cfg.Limit, "limit", 0, "limit the number of requests (0 means no limit)")

	fs.StringVar(&cfg.Request.Title, "title", "", "title of the song")
	fs.StringVar(&cfg.Request.FullDescribedSong, "description", "", "full description of the song")
	fs.StringVar(&cfg.Request.Prompt, "prompt", "", "style prompt")
	fs.StringVar(&cfg.Request.Lyrics, "lyrics", "", "lyrics")
	fs.StringVar(&cfg.Request.DescribedLyrics, "described-lyrics", "", "description of the lyrics")
	fs.BoolVar(&cfg.Request.Instrumental, "instrumental", false, "instrumental song")
	fs.Float64Var(&cfg.Request.AudioDuration, "audio-duration", 0, "audio duration in seconds (0 means unset)")
	fs.Float64Var(&cfg.Request.GuidanceScale, "guidance-scale", 0, "guidance scale (0 means unset)")
	fs.IntVar(&cfg.Request.InferStep, "infer-step", 0, "inference steps (0 means unset)")

	sf := newSynthFlags(fs)
	fs.Float64Var(&cfg.Rate, "rate", 0, "maximum synthesis requests per second (0 means no limit)")
	fs.IntVar(&cfg.UserConcurrency, "user-concurrency", 1, "concurrent generations per user")
	fs.IntVar(&cfg.Retries, "retries", 3, "retries after a synthesis transport failure")

	kafkaBrokers := fs.String("kafka-brokers", "", "kafka brokers (comma separated), songs are generated in process if empty")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", "generate-song", "kafka topic for generate song events")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "submit song requests",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.DescribeEndpoint = *sf.describe
			cfg.LyricsEndpoint = *sf.lyrics
			cfg.DescribedLyricsEndpoint = *sf.describedLyrics
			cfg.ModalKey = *sf.key
			cfg.ModalSecret = *sf.secret
			cfg.KafkaBrokers = splitList(*kafkaBrokers)
			return submit.Run(ctx, cfg)
		},
	}
}

func newStatusCommand() *ffcli.Command {
	cmd := "status"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &status.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fs.StringVar(&cfg.ID, "id", "", "song id")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "print the status of a song",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if cfg.ID == "" && len(args) > 0 {
				cfg.ID = args[0]
			}
			return status.Run(ctx, cfg)
		},
	}
}

func newSongsCommand() *ffcli.Command {
	cmd := "songs"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &songs.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fsFlags(fs, &cfg.FSType, &cfg.FSConn)
	fs.StringVar(&cfg.UserID, "user", "", "user id")
	fs.StringVar(&cfg.Status, "status", "", "only export songs with this status (queued, processing, processed, failed)")
	fs.StringVar(&cfg.Output, "output", "songs.csv", "output file (csv or json)")
	fs.StringVar(&cfg.Download, "download", "", "folder to download the assets of processed songs (optional)")
	fs.IntVar(&cfg.Limit, "limit", 0, "limit the number of songs (0 means no limit)")
	fs.IntVar(&cfg.PageSize, "page-size", 100, "songs per database page")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "export the songs of a user",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return songs.Run(ctx, cfg)
		},
	}
}

func newGenerateCommand() *ffcli.Command {
	cmd := "generate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &synthara.Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Minute, "synthesis request timeout")
	fsFlags(fs, &cfg.FSType, &cfg.FSConn)
	sf := newSynthFlags(fs)

	var req mode.Request
	var audioDuration, guidanceScale float64
	var inferStep int
	fs.StringVar(&req.FullDescribedSong, "description", "", "full description of the song")
	fs.StringVar(&req.Prompt, "prompt", "", "style prompt")
	fs.StringVar(&req.Lyrics, "lyrics", "", "lyrics")
	fs.StringVar(&req.DescribedLyrics, "described-lyrics", "", "description of the lyrics")
	fs.BoolVar(&req.Instrumental, "instrumental", false, "instrumental song")
	fs.Float64Var(&audioDuration, "audio-duration", 0, "audio duration in seconds (0 means unset)")
	fs.Float64Var(&guidanceScale, "guidance-scale", 0, "guidance scale (0 means unset)")
	fs.IntVar(&inferStep, "infer-step", 0, "inference steps (0 means unset)")
	var output string
	fs.StringVar(&output, "output", "", "output folder for the assets (optional)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("synthara %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate a single song without the workflow",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.Endpoints = sf.endpoints()
			cfg.ModalKey = *sf.key
			cfg.ModalSecret = *sf.secret
			if audioDuration > 0 {
				req.AudioDuration = &audioDuration
			}
			if guidanceScale > 0 {
				req.GuidanceScale = &guidanceScale
			}
			if inferStep > 0 {
				req.InferStep = &inferStep
			}
			res, err := synthara.GenerateSong(ctx, cfg, req, output)
			if err != nil {
				return err
			}
			log.Info("song generated", "categories", strings.Join(res.Categories, ","))
			return nil
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ";")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
