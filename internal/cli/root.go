package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/pipeline"
	"github.com/ppiankov/cityledger/internal/schema"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile      string
	registryFile string
	outputDir    string
	verbose      bool
	cmdTimeout   time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cityledger",
	Short: "cityledger - structured climate-policy records from city documents",
	Long: `cityledger turns the OCR markdown of a city's climate-policy document
into schema-valid records for a relational climate-data model.

Numeric and date values are only kept when the model quotes the text that
supports them. Relationships between records are resolved in a separate,
staged mapping pass and audited against the source text.

Every stage writes its output as per-class JSON files so each can be
inspected, rerun or resumed on its own.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cityledger %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.cityledger/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryFile, "registry", "", "record-class registry YAML (default: built-in)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "out", "o", "", "output directory for staged artifacts")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 0, "overall timeout (0 = none)")

	// Bind flags to viper
	_ = viper.BindPFlag("output.dir", rootCmd.PersistentFlags().Lookup("out"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	registerDefaults("", defaultsMap())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.cityledger")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match CITYLEDGER_*, e.g. CITYLEDGER_LLM_MODEL
	viper.SetEnvPrefix("CITYLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// defaultsMap renders the default config as nested maps keyed like the YAML file
func defaultsMap() map[string]any {
	data, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// registerDefaults makes every config key known to viper, so environment
// variables override keys that appear in no config file
func registerDefaults(prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			registerDefaults(key, nested)
			continue
		}
		viper.SetDefault(key, v)
	}
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL == "" && strings.EqualFold(cfg.LLM.Provider, "ollama") {
		cfg.LLM.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	return cfg, nil
}

func apiKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "anthropic", "claude":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// env bundles what every command needs
type env struct {
	cfg      *model.Config
	registry *schema.Registry
	log      *zap.Logger
}

func setup() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)

	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, registry: reg, log: log}, nil
}

func loadRegistry() (*schema.Registry, error) {
	if registryFile != "" {
		return schema.LoadFile(registryFile)
	}
	return schema.Default()
}

// pipeline builds a pipeline; withModel controls whether a provider is required
func (e *env) pipeline(withModel bool) (*pipeline.Pipeline, error) {
	var provider llm.Provider
	if withModel {
		p, err := pipeline.NewProvider(e.cfg, e.log)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	return pipeline.New(e.cfg, e.registry, provider, e.log), nil
}

// loadSource reads the OCR markdown from a file path or URL
func (e *env) loadSource(ctx context.Context, location string) (string, error) {
	f := pipeline.NewFetcher(e.cfg.Source, e.cfg.HTTP, llm.RetryPolicyFromModel(e.cfg.Retry))
	return f.Load(ctx, location)
}

// commandContext is cancelled on SIGINT/SIGTERM and after --timeout
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if cmdTimeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
