package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	ContentNone = "none"
	ContentFS   = "fs"
	ContentS3   = "s3"

	// ForceSupersede makes force_reprocess on an already known upload dispatch
	// a new run instead of notifying immediately.
	ForceSupersede = "supersede"
	// ForceIgnore ignores force_reprocess on an already known upload.
	ForceIgnore = "ignore"

	DefaultListen      = ":8000"
	DefaultStorePath   = "daas.db"
	DefaultQueueAddr   = "localhost:6379"
	DefaultMaxSize     = 100 << 20
	DefaultParallelism = 4
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int          `json:"version" yaml:"version"` // fixed 0 for now
	Service     Service      `json:"service" yaml:"service"`
	Store       *Store       `json:"store,omitempty" yaml:"store,omitempty"`
	Content     *Content     `json:"content,omitempty" yaml:"content,omitempty"`
	Queue       *Queue       `json:"queue,omitempty" yaml:"queue,omitempty"`
	Callback    *Callback    `json:"callback,omitempty" yaml:"callback,omitempty"`
	Reconcile   *Reconcile   `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
	Upload      *Upload      `json:"upload,omitempty" yaml:"upload,omitempty"`
	Decompilers []Decompiler `json:"decompilers,omitempty" yaml:"decompilers,omitempty"`
}

type Service struct {
	Verbose       bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log           string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Listen        string `json:"listen,omitempty" yaml:"listen,omitempty"`
	AllowDownload bool   `json:"allow_download,omitempty" yaml:"allow_download,omitempty"`
}

type Store struct {
	Path string `json:"path" yaml:"path"`
}

// Content selects where uploaded sample bytes are kept.
type Content struct {
	Type string   `json:"type" yaml:"type"` // "none" | "fs" | "s3"
	Dir  string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3   *S3Store `json:"s3,omitempty" yaml:"s3,omitempty"`
}

type S3Store struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

type Queue struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO-8601 duration
}

type Callback struct {
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO-8601 duration
}

type Reconcile struct {
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Parallelism int       `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

// Schedule is either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Upload struct {
	ForcePolicy string `json:"force_policy,omitempty" yaml:"force_policy,omitempty"`
	MaxSize     int64  `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// Decompiler is one registry entry as written in the config file.
type Decompiler struct {
	Identifier string   `json:"identifier" yaml:"identifier"`
	Version    int      `json:"version" yaml:"version"`
	Queue      string   `json:"queue" yaml:"queue"`
	Timeout    int      `json:"timeout" yaml:"timeout"` // seconds
	MIMETypes  []string `json:"mime_types" yaml:"mime_types"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:    LogStderr,
			Listen: DefaultListen,
		},
		Store: &Store{Path: DefaultStorePath},
		Queue: &Queue{Addr: DefaultQueueAddr, Timeout: "PT5S"},
		Reconcile: &Reconcile{
			Schedule:    &Schedule{Duration: "PT1M"},
			Parallelism: DefaultParallelism,
		},
	}
}

// StorePath returns the database path.
func (c Config) StorePath() string {
	if c.Store == nil || c.Store.Path == "" {
		return DefaultStorePath
	}
	return c.Store.Path
}

// Listen returns the HTTP listen address.
func (c Config) Listen() string {
	if c.Service.Listen == "" {
		return DefaultListen
	}
	return c.Service.Listen
}

// QueueTimeout bounds every round-trip to the work queue.
func (c Config) QueueTimeout() (time.Duration, error) {
	if c.Queue == nil {
		return durationOr("", 5*time.Second)
	}
	return durationOr(c.Queue.Timeout, 5*time.Second)
}

// CallbackTimeout bounds a single webhook delivery.
func (c Config) CallbackTimeout() (time.Duration, error) {
	if c.Callback == nil {
		return durationOr("", 10*time.Second)
	}
	return durationOr(c.Callback.Timeout, 10*time.Second)
}

func (c Config) Parallelism() int {
	if c.Reconcile == nil || c.Reconcile.Parallelism <= 0 {
		return DefaultParallelism
	}
	return c.Reconcile.Parallelism
}

func (c Config) ForcePolicy() string {
	if c.Upload == nil || c.Upload.ForcePolicy == "" {
		return ForceSupersede
	}
	return c.Upload.ForcePolicy
}

func (c Config) MaxSize() int64 {
	if c.Upload == nil || c.Upload.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return c.Upload.MaxSize
}

func durationOr(iso string, dflt time.Duration) (time.Duration, error) {
	if iso == "" {
		return dflt, nil
	}
	d, err := ParseISODuration(iso)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", iso, err)
	}
	return d, nil
}
