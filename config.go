package vidrelay

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings holds the runtime configuration for the agent binary. Values
// come from, in order of precedence: environment variables prefixed with
// VIDRELAY_, an optional vidrelay.yaml in the working directory, and the
// defaults below. A .env file, if present, is loaded into the environment
// first so tokens can live outside the shell profile.
type Settings struct {
	CatalogPath string
	LedgerPath  string
	ResumePath  string
	WorkDir     string
	LogFile     string

	SourceURL   string
	SourceToken string
	DestURL     string
	DestToken   string

	ChunkSize      int64
	EncoderBinary  string
	InterItemDelay time.Duration
}

// LoadSettings reads the layered configuration.
func LoadSettings() (*Settings, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("catalog", "items.json")
	v.SetDefault("ledger", "published.json")
	v.SetDefault("resume", "resume_state.json")
	v.SetDefault("work_dir", "temp_videos")
	v.SetDefault("log_file", "vidrelay.log")
	v.SetDefault("source.url", "")
	v.SetDefault("source.token", "")
	v.SetDefault("dest.url", "")
	v.SetDefault("dest.token", "")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("encoder", "ffmpeg")
	v.SetDefault("delay", 30*time.Second)

	v.SetEnvPrefix("vidrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("vidrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	return &Settings{
		CatalogPath:    v.GetString("catalog"),
		LedgerPath:     v.GetString("ledger"),
		ResumePath:     v.GetString("resume"),
		WorkDir:        v.GetString("work_dir"),
		LogFile:        v.GetString("log_file"),
		SourceURL:      v.GetString("source.url"),
		SourceToken:    v.GetString("source.token"),
		DestURL:        v.GetString("dest.url"),
		DestToken:      v.GetString("dest.token"),
		ChunkSize:      v.GetInt64("chunk_size"),
		EncoderBinary:  v.GetString("encoder"),
		InterItemDelay: v.GetDuration("delay"),
	}, nil
}
