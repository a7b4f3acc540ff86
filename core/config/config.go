package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

var (
	//go:embed default/config.yaml
	defaultConfigData []byte
)

const (
	ConfigurationName = "config.yaml"

	// EnvPrefix is the prefix of environment variables overriding the
	// configuration file, e.g. JOBSH_PROMPT.
	EnvPrefix = "JOBSH"
)

type Configuration struct {
	configFs  afero.Fs
	configDir string

	Prompt     string `json:"prompt" split_words:"true" validate:"required"`
	SearchPath string `json:"path" split_words:"true"`
	JobIDs     string `json:"job_ids" envconfig:"JOB_IDS" validate:"oneof=monotonic compact"`
	JobControl bool   `json:"job_control" split_words:"true"`

	RedirectFailureStatus int `json:"redirect_failure_status" split_words:"true" validate:"gte=1,lte=255"`
	ExecFailureStatus     int `json:"exec_failure_status" split_words:"true" validate:"gte=1,lte=255"`
	NoticeQueueSize       int `json:"notice_queue_size" split_words:"true" validate:"gte=1,lte=4096"`

	Color    string `json:"color" split_words:"true" validate:"oneof=auto always never"`
	EventLog string `json:"event_log" split_words:"true" validate:"omitempty,excludesall=/"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	return validate.Struct(c)
}

func (c *Configuration) fs() afero.Fs {
	if c.configFs == nil {
		return afero.NewOsFs()
	}
	return c.configFs
}

// Dir returns the directory the configuration was loaded from.
func (c *Configuration) Dir() string {
	return c.configDir
}

// LookupPath returns the command search path, falling back to the
// environment's $PATH.
func (c *Configuration) LookupPath() string {
	if c.SearchPath != "" {
		return c.SearchPath
	}
	return os.Getenv("PATH")
}

// OpenEventLog opens the event log in an append only state.
func (c *Configuration) OpenEventLog() (afero.File, error) {
	return c.fs().OpenFile(c.eventLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// ReadEventLog opens the event log for reading.
func (c *Configuration) ReadEventLog() (afero.File, error) {
	return c.fs().OpenFile(c.eventLogPath(), os.O_RDONLY, 0600)
}

func (c *Configuration) eventLogPath() string {
	return filepath.Join(c.configDir, c.EventLog)
}

// Default returns the built-in configuration, not associated with any
// directory.
func Default() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}
	return &out
}
