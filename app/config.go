package murmur

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/putto11262002/murmur/core"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Port is the Port number to listen on. The default is 3000.
	Port int `validate:"port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// Mode selects the log format and level. Either dev or prod.
	Mode Mode `validate:"oneof=dev prod"`
	Log  struct {
		// Level overrides the level implied by Mode.
		Level string `validate:"omitempty,oneof=debug info warn error"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	// TrustProxy makes join links honour the X-Forwarded-Proto header.
	TrustProxy bool
	Uploads    struct {
		// Dir is the flat directory uploads are stored in.
		Dir string `validate:"required"`
		// MaxSize is the largest accepted upload in bytes.
		MaxSize int64 `validate:"gt=0"`
	}
	Retention struct {
		Interval time.Duration `validate:"gt=0"`
		MaxAge   time.Duration `validate:"gt=0"`
	}
	Static struct {
		// Dir serves static assets from disk instead of the embedded pages.
		Dir string
	}
	TLS struct {
		Crt string
		Key string
	}
	ShutdownTimeout time.Duration `validate:"gt=0"`
	valid           bool
}

// envKeyReplacer maps config keys to environment variable names. Keys whose
// plain name is already set by the system get a MURMUR_ prefix.
type envKeyReplacer struct{}

var prefixedEnvKeys = map[string]string{
	// containers export HOSTNAME as the container id
	"HOSTNAME": "MURMUR_HOSTNAME",
}

func (envKeyReplacer) Replace(key string) string {
	if name, ok := prefixedEnvKeys[key]; ok {
		return name
	}
	return strings.ReplaceAll(key, ".", "_")
}

// NewViper returns a viper instance with the defaults and environment bindings
// of every config key. Flags can be bound to it before calling LoadConfig.
func NewViper() *viper.Viper {
	v := viper.NewWithOptions(viper.EnvKeyReplacer(envKeyReplacer{}))
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("log.level", "")
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("trustproxy", false)
	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("uploads.maxsize", 10<<20)
	v.SetDefault("retention.interval", core.DefaultSweepInterval)
	v.SetDefault("retention.maxage", core.DefaultMaxUploadAge)
	v.SetDefault("static.dir", "")
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("shutdowntimeout", 10*time.Second)
	return v
}

// LoadConfig loads the configuration from v, which reads the optional config file,
// the environment and any bound flags.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(v *viper.Viper) (*Config, error) {
	config := &Config{}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// Addr is the address the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLS.Crt != "" && c.TLS.Key != ""
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error() + "\n"
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	keys := make([]string, 0, len(translated))
	for k := range translated {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
