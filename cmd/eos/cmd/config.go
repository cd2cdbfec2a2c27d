package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing eos configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

This shows all available configuration options with their current
values, defaults included. You can redirect this output to a file to
create a configuration template:

  eos config dump > eos.yaml

Configuration can be set via:
  - Config file (eos.yaml in ., ./configs, /etc/eos, $HOME/.eos)
  - Environment variables (EOS_SERVER_PORT, EOS_DELAY_DEFAULT, etc.)
  - Command-line flags (for some options)

Environment variables use the EOS_ prefix and underscores for nesting.
Example: server.port -> EOS_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# eos Configuration File")
	fmt.Println("# ======================")
	fmt.Println("#")
	fmt.Println("# All values shown reflect the effective configuration.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   EOS_SERVER_HOST, EOS_SERVER_PORT")
	fmt.Println("#   EOS_STREAMING_SCHEME, EOS_STREAMING_HOST")
	fmt.Println("#   EOS_GOOGLE_PROJECT_ID, EOS_GOOGLE_SERVICE_ACCOUNT_FILE")
	fmt.Println("#   EOS_LOGGING_LEVEL, EOS_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
