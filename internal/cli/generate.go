package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/configgen"
)

var (
	generateOut     string
	generateOptions string
	generateState   string
)

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", ".", "Directory for generated configuration")
	generateCmd.Flags().StringVar(&generateOptions, "options", "", "YAML file with include/exclude filters")
	generateCmd.Flags().StringVar(&generateState, "state", ":memory:", "SQLite accumulation database; reuse across runs to merge traces")
}

var generateCmd = &cobra.Command{
	Use:   "generate <trace>...",
	Short: "Synthesize reachability configuration from traces",
	Long: "Aggregates successful usage records from one or more traces into\n" +
		"reflect-config.json and jni-config.json. With --state pointing at a\n" +
		"persistent database, later runs merge into earlier ones.",
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	opts, err := configgen.LoadOptions(generateOptions)
	if err != nil {
		return err
	}
	store, err := configgen.OpenStore(generateState)
	if err != nil {
		return err
	}
	defer store.Close()

	g := configgen.New(opts, store)
	for _, tracePath := range args {
		if err := g.Consume(tracePath); err != nil {
			return fmt.Errorf("consume %s: %w", tracePath, err)
		}
	}
	if err := g.WriteConfigs(generateOut); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s to %s\n",
		configgen.ReflectConfigName, configgen.NativeConfigName, generateOut)
	return nil
}
