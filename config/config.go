package config

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

const (
	StoreBackendBadger   = "badger"
	StoreBackendPostgres = "postgres"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Server      Server        `yaml:"server"`
	Recorder    Recorder      `yaml:"recorder"`
	Store       Store         `yaml:"store"`
	Settings    *Settings     `yaml:"-"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type Recorder struct {
	SourceURL       string        `yaml:"source_url"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	MimeType        string        `yaml:"mime_type"`
	Timeslice       time.Duration `yaml:"timeslice"`
	PlayableTimeout time.Duration `yaml:"playable_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	StaleQuiet      time.Duration `yaml:"stale_quiet"`
	LiveStatusURL   string        `yaml:"live_status_url"`
	Author          string        `yaml:"author"`
	Title           string        `yaml:"title"`
}

// QuietPeriod is how long a temp group must be silent before the stale sweep claims it.
func (r Recorder) QuietPeriod() time.Duration {
	if r.StaleQuiet > 0 {
		return r.StaleQuiet
	}
	return r.Timeslice + time.Second
}

type Store struct {
	Backend    string `yaml:"backend"`
	BadgerPath string `yaml:"badger_path"`
	InMemory   bool   `yaml:"in_memory"`
}

type RabbitMQ struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "develop")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 1)
	v.SetDefault("recorder.ffmpeg_path", "ffmpeg")
	v.SetDefault("recorder.mime_type", `video/mp4; codecs="avc1.640028, mp4a.40.2"`)
	v.SetDefault("recorder.timeslice", 3*time.Second)
	v.SetDefault("recorder.playable_timeout", 30*time.Second)
	v.SetDefault("recorder.settle_delay", time.Second)
	v.SetDefault("store.backend", StoreBackendBadger)
	v.SetDefault("store.badger_path", "data/recordings")
	v.SetDefault("rabbitmq_kind", "direct")
	v.SetDefault("rabbitmq_exchange", "recorder_events")
	setSettingDefaults(v)
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("LIVEREC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		Recorder: Recorder{
			SourceURL:       viper.GetString("recorder.source_url"),
			FFmpegPath:      viper.GetString("recorder.ffmpeg_path"),
			MimeType:        viper.GetString("recorder.mime_type"),
			Timeslice:       viper.GetDuration("recorder.timeslice"),
			PlayableTimeout: viper.GetDuration("recorder.playable_timeout"),
			SettleDelay:     viper.GetDuration("recorder.settle_delay"),
			StaleQuiet:      viper.GetDuration("recorder.stale_quiet"),
			LiveStatusURL:   viper.GetString("recorder.live_status_url"),
			Author:          viper.GetString("recorder.author"),
			Title:           viper.GetString("recorder.title"),
		},
		Store: Store{
			Backend:    viper.GetString("store.backend"),
			BadgerPath: viper.GetString("store.badger_path"),
			InMemory:   viper.GetBool("store.in_memory"),
		},
		Queue: &RabbitMQ{
			Enabled:      viper.GetBool("rabbitmq_enabled"),
			Host:         viper.GetString("rabbitmq_host"),
			Port:         viper.GetInt("rabbitmq_port"),
			User:         viper.GetString("rabbitmq_user"),
			Pass:         viper.GetString("rabbitmq_pass"),
			ExchangeName: viper.GetString("rabbitmq_exchange"),
			Kind:         viper.GetString("rabbitmq_kind"),
		},
		Settings: NewSettings(viper.GetViper()),
	}

	if cfg.Store.Backend == StoreBackendPostgres {
		db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
		if err != nil {
			return nil, err
		}
		cfg.DB = db
	}

	if url := viper.GetString("minio.url"); url != "" {
		minioClient, err := minio.New(url, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
			Secure: viper.GetBool("minio.secure"),
		})
		if err != nil {
			return nil, err
		}
		cfg.Storage = minioClient
	}

	return cfg, nil
}
