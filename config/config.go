// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/go-viper/mapstructure/v2"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

const (
	CollabModelName = "collab.model"
	RankerModelName = "ranker/ranker.model"
)

// Config is the configuration for nextpick.
type Config struct {
	Data     DataConfig      `mapstructure:"data"`
	Model    ModelConfig     `mapstructure:"model"`
	Collab   CollabConfig    `mapstructure:"collab"`
	Ranker   RankerConfig    `mapstructure:"ranker"`
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Tracking TrackingConfig  `mapstructure:"tracking"`
	S3       S3Config        `mapstructure:"s3"`
	GCS      GCSConfig       `mapstructure:"gcs"`
	Azure    AzureBlobConfig `mapstructure:"azure"`
}

type DataConfig struct {
	Dir          string  `mapstructure:"dir" validate:"required"`
	Format       string  `mapstructure:"format" validate:"oneof=parquet csv"`
	HoldoutRatio float32 `mapstructure:"holdout_ratio" validate:"gt=0,lt=1"`
}

type ModelConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type CollabConfig struct {
	Model       string  `mapstructure:"model" validate:"oneof=als bpr"`
	NFactors    int     `mapstructure:"n_factors" validate:"gt=0"`
	NEpochs     int     `mapstructure:"n_epochs" validate:"gt=0"`
	Lr          float32 `mapstructure:"lr" validate:"gt=0"`
	Reg         float32 `mapstructure:"reg" validate:"gte=0"`
	Alpha       float32 `mapstructure:"alpha" validate:"gte=0"`
	InitStdDev  float32 `mapstructure:"init_std" validate:"gt=0"`
	RandomState int64   `mapstructure:"random_state"`
	Candidates  int     `mapstructure:"candidates" validate:"gt=0"`
	TopK        int     `mapstructure:"top_k" validate:"gt=0"`
	Jobs        int     `mapstructure:"jobs" validate:"gt=0"`
}

type RankerConfig struct {
	LearningRate float32 `mapstructure:"learning_rate" validate:"gt=0"`
	NFactors     int     `mapstructure:"n_factors" validate:"gt=0"`
	NEpochs      int     `mapstructure:"n_epochs" validate:"gt=0"`
	Reg          float32 `mapstructure:"reg" validate:"gte=0"`
	InitStdDev   float32 `mapstructure:"init_std" validate:"gt=0"`
	Seed         int64   `mapstructure:"seed"`
	SearchTrials int     `mapstructure:"search_trials" validate:"gte=0"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	MetricsPort   int           `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`
	DefaultTopK   int           `mapstructure:"default_top_k" validate:"gt=0"`
	CandidatePool int           `mapstructure:"candidate_pool" validate:"gt=0"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	ModelVersion  string        `mapstructure:"model_version" validate:"required"`
}

type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	TablePrefix string `mapstructure:"table_prefix"`
}

type TrackingConfig struct {
	URL        string `mapstructure:"url"`
	Experiment string `mapstructure:"experiment" validate:"required"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureBlobConfig struct {
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Endpoint         string `mapstructure:"endpoint"`
	MaxRetries       int32  `mapstructure:"max_retries" validate:"gte=0"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:          "data",
			Format:       "parquet",
			HoldoutRatio: 0.2,
		},
		Model: ModelConfig{
			Dir: "models/current",
		},
		Collab: CollabConfig{
			Model:       "als",
			NFactors:    64,
			NEpochs:     50,
			Lr:          0.05,
			Reg:         0.06,
			Alpha:       0.001,
			InitStdDev:  0.1,
			RandomState: 0,
			Candidates:  100,
			TopK:        10,
			Jobs:        1,
		},
		Ranker: RankerConfig{
			LearningRate: 0.05,
			NFactors:     8,
			NEpochs:      20,
			Reg:          0.0001,
			InitStdDev:   0.01,
			Seed:         0,
			SearchTrials: 10,
		},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			MetricsPort:   8001,
			DefaultTopK:   10,
			CandidatePool: 100,
			CacheTTL:      time.Minute,
			ModelVersion:  "v1",
		},
		Tracking: TrackingConfig{
			URL:        "sqlite://tracking.db",
			Experiment: "nextpick_experiment",
		},
		Azure: AzureBlobConfig{
			MaxRetries: 3,
		},
	}
}

func setDefault() {
	defaultConfig := GetDefaultConfig()
	// [data]
	viper.SetDefault("data.dir", defaultConfig.Data.Dir)
	viper.SetDefault("data.format", defaultConfig.Data.Format)
	viper.SetDefault("data.holdout_ratio", defaultConfig.Data.HoldoutRatio)
	// [model]
	viper.SetDefault("model.dir", defaultConfig.Model.Dir)
	// [collab]
	viper.SetDefault("collab.model", defaultConfig.Collab.Model)
	viper.SetDefault("collab.n_factors", defaultConfig.Collab.NFactors)
	viper.SetDefault("collab.n_epochs", defaultConfig.Collab.NEpochs)
	viper.SetDefault("collab.lr", defaultConfig.Collab.Lr)
	viper.SetDefault("collab.reg", defaultConfig.Collab.Reg)
	viper.SetDefault("collab.alpha", defaultConfig.Collab.Alpha)
	viper.SetDefault("collab.init_std", defaultConfig.Collab.InitStdDev)
	viper.SetDefault("collab.random_state", defaultConfig.Collab.RandomState)
	viper.SetDefault("collab.candidates", defaultConfig.Collab.Candidates)
	viper.SetDefault("collab.top_k", defaultConfig.Collab.TopK)
	viper.SetDefault("collab.jobs", defaultConfig.Collab.Jobs)
	// [ranker]
	viper.SetDefault("ranker.learning_rate", defaultConfig.Ranker.LearningRate)
	viper.SetDefault("ranker.n_factors", defaultConfig.Ranker.NFactors)
	viper.SetDefault("ranker.n_epochs", defaultConfig.Ranker.NEpochs)
	viper.SetDefault("ranker.reg", defaultConfig.Ranker.Reg)
	viper.SetDefault("ranker.init_std", defaultConfig.Ranker.InitStdDev)
	viper.SetDefault("ranker.seed", defaultConfig.Ranker.Seed)
	viper.SetDefault("ranker.search_trials", defaultConfig.Ranker.SearchTrials)
	// [server]
	viper.SetDefault("server.host", defaultConfig.Server.Host)
	viper.SetDefault("server.port", defaultConfig.Server.Port)
	viper.SetDefault("server.metrics_port", defaultConfig.Server.MetricsPort)
	viper.SetDefault("server.default_top_k", defaultConfig.Server.DefaultTopK)
	viper.SetDefault("server.candidate_pool", defaultConfig.Server.CandidatePool)
	viper.SetDefault("server.cache_ttl", defaultConfig.Server.CacheTTL)
	viper.SetDefault("server.model_version", defaultConfig.Server.ModelVersion)
	// [database]
	viper.SetDefault("database.url", defaultConfig.Database.URL)
	viper.SetDefault("database.table_prefix", defaultConfig.Database.TablePrefix)
	// [tracking]
	viper.SetDefault("tracking.url", defaultConfig.Tracking.URL)
	viper.SetDefault("tracking.experiment", defaultConfig.Tracking.Experiment)
	// [s3]
	viper.SetDefault("s3.endpoint", defaultConfig.S3.Endpoint)
	viper.SetDefault("s3.access_key_id", defaultConfig.S3.AccessKeyID)
	viper.SetDefault("s3.secret_access_key", defaultConfig.S3.SecretAccessKey)
	viper.SetDefault("s3.use_ssl", defaultConfig.S3.UseSSL)
	// [gcs]
	viper.SetDefault("gcs.credentials_file", defaultConfig.GCS.CredentialsFile)
	// [azure]
	viper.SetDefault("azure.account_name", defaultConfig.Azure.AccountName)
	viper.SetDefault("azure.account_key", defaultConfig.Azure.AccountKey)
	viper.SetDefault("azure.connection_string", defaultConfig.Azure.ConnectionString)
	viper.SetDefault("azure.endpoint", defaultConfig.Azure.Endpoint)
	viper.SetDefault("azure.max_retries", defaultConfig.Azure.MaxRetries)
}

type configBinding struct {
	key string
	env string
}

func bindEnv() {
	bindings := []configBinding{
		{"model.dir", "MODEL_DIR"},
		{"database.url", "DATABASE_URL"},
		{"server.port", "PORT"},
		{"server.metrics_port", "METRICS_PORT"},
		{"data.dir", "NEXTPICK_DATA_DIR"},
		{"collab.n_factors", "NEXTPICK_N_FACTORS"},
		{"collab.jobs", "NEXTPICK_JOBS"},
		{"ranker.learning_rate", "NEXTPICK_LEARNING_RATE"},
		{"server.model_version", "NEXTPICK_MODEL_VERSION"},
		{"tracking.url", "NEXTPICK_TRACKING_URL"},
		{"tracking.experiment", "NEXTPICK_EXPERIMENT"},
		{"s3.endpoint", "S3_ENDPOINT"},
		{"s3.access_key_id", "S3_ACCESS_KEY_ID"},
		{"s3.secret_access_key", "S3_SECRET_ACCESS_KEY"},
		{"gcs.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS"},
		{"azure.account_name", "AZURE_STORAGE_ACCOUNT"},
		{"azure.account_key", "AZURE_STORAGE_KEY"},
		{"azure.connection_string", "AZURE_STORAGE_CONNECTION_STRING"},
	}
	for _, binding := range bindings {
		err := viper.BindEnv(binding.key, binding.env)
		if err != nil {
			panic(err)
		}
	}
}

// LoadConfig loads configuration from a TOML file. An empty path loads defaults and environment variables only.
func LoadConfig(path string) (*Config, error) {
	setDefault()
	bindEnv()
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	var conf Config
	if err := viper.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// Validate checks value ranges and reports the first violations with English messages.
func (config *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return errors.Trace(err)
	}
	err := validate.Struct(config)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := make([]string, 0, len(validationErrors))
			for _, e := range validationErrors {
				messages = append(messages, e.Namespace()+": "+e.Translate(trans))
			}
			return errors.NotValidf("config (%s)", strings.Join(messages, "; "))
		}
		return errors.Trace(err)
	}
	return nil
}
