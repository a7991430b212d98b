package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"hybridvision/pkg/envconfig"
	"hybridvision/pkg/model"
	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hybridvision",
		Short: "Run seeded forward passes of the hybrid attention and mixer classifiers",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().String("config", "", "YAML file with model hyperparameters")
	rootCmd.PersistentFlags().Uint64("seed", envconfig.Seed(), "Seed for weights, sampling and input")
	rootCmd.PersistentFlags().Int("image-size", 0, "Override the configured image size")

	hybridCmd := &cobra.Command{
		Use:   "hybrid",
		Short: "Classify a random image batch with the hybrid attention classifier",
		Args:  cobra.NoArgs,
		RunE:  HybridHandler,
	}

	mixerCmd := &cobra.Command{
		Use:   "mixer",
		Short: "Classify a random image batch with the token/channel mixer",
		Args:  cobra.NoArgs,
		RunE:  MixerHandler,
	}

	for _, cmd := range []*cobra.Command{hybridCmd, mixerCmd} {
		cmd.Flags().Int("batch", 1, "Number of random images")
		cmd.Flags().Int("top-k", 3, "Number of classes to print per image")
	}

	summaryCmd := &cobra.Command{
		Use:       "summary {hybrid|mixer}",
		Short:     "List the parameters of a model",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"hybrid", "mixer"},
		RunE:      SummaryHandler,
	}

	envVars := envconfig.AsMap()
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	slices.Sort(names)

	var envs []envconfig.EnvVar
	for _, name := range names {
		envs = append(envs, envVars[name])
	}
	for _, cmd := range []*cobra.Command{hybridCmd, mixerCmd, summaryCmd} {
		appendEnvDocs(cmd, envs)
	}

	rootCmd.AddCommand(hybridCmd, mixerCmd, summaryCmd)
	return rootCmd
}

// HybridHandler classifies a random batch and prints the top classes with each image's most important patch.
func HybridHandler(cmd *cobra.Command, args []string) error {
	config, err := hybridConfig(cmd)
	if err != nil {
		return err
	}

	m, err := model.NewHybridClassifier(config)
	if err != nil {
		return err
	}
	m.SetTraining(false)

	x, err := randomBatch(cmd, config.Seed, config.InChannels, config.ImageSize)
	if err != nil {
		return err
	}

	slog.Info("running hybrid classifier", "batch", x.Shape[0], "patches", config.NumPatches())
	out, err := m.Forward(x)
	if err != nil {
		return err
	}

	predictions, err := topK(cmd, out.Logits)
	if err != nil {
		return err
	}

	patches := make([]int, x.Shape[0])
	n := config.NumPatches()
	for b := range patches {
		row := out.PatchImportance.Data[b*n : (b+1)*n]
		for i, v := range row {
			if v > row[patches[b]] {
				patches[b] = i
			}
		}
	}

	writePredictions(cmd.OutOrStdout(), predictions, patches)
	return nil
}

// MixerHandler classifies a random batch with the mixer and prints the top classes.
func MixerHandler(cmd *cobra.Command, args []string) error {
	config, err := mixerConfig(cmd)
	if err != nil {
		return err
	}

	m, err := model.NewMixerClassifier(config)
	if err != nil {
		return err
	}
	m.SetTraining(false)

	x, err := randomBatch(cmd, config.Seed, config.InChannels, config.ImageSize)
	if err != nil {
		return err
	}

	slog.Info("running mixer classifier", "batch", x.Shape[0], "patches", config.NumPatches())
	logits, err := m.Forward(x)
	if err != nil {
		return err
	}

	predictions, err := topK(cmd, logits)
	if err != nil {
		return err
	}

	writePredictions(cmd.OutOrStdout(), predictions, nil)
	return nil
}

// SummaryHandler prints a table of the selected model's parameters.
func SummaryHandler(cmd *cobra.Command, args []string) error {
	var params []*nn.Parameter
	switch args[0] {
	case "hybrid":
		config, err := hybridConfig(cmd)
		if err != nil {
			return err
		}
		m, err := model.NewHybridClassifier(config)
		if err != nil {
			return err
		}
		params = m.Parameters()
	case "mixer":
		config, err := mixerConfig(cmd)
		if err != nil {
			return err
		}
		m, err := model.NewMixerClassifier(config)
		if err != nil {
			return err
		}
		params = m.Parameters()
	}

	infos, total := model.Summary(params)

	var data [][]string
	for _, p := range infos {
		data = append(data, []string{p.Name, p.ShapeString(), strconv.Itoa(p.Count)})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "SHAPE", "PARAMS"})
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\ntotal parameters: %d\n", total)
	return nil
}

func hybridConfig(cmd *cobra.Command) (model.HybridConfig, error) {
	config := model.DefaultHybridConfig()
	if err := applyFlags(cmd, &config, &config.Seed, &config.ImageSize); err != nil {
		return config, err
	}
	return config, nil
}

func mixerConfig(cmd *cobra.Command) (model.MixerConfig, error) {
	config := model.DefaultMixerConfig()
	if err := applyFlags(cmd, &config, &config.Seed, &config.ImageSize); err != nil {
		return config, err
	}
	return config, nil
}

// applyFlags seeds config from --seed (default HYBRIDVISION_SEED), loads
// --config over it, then lets explicit flags override the file.
func applyFlags(cmd *cobra.Command, config any, seed *uint64, imageSize *int) error {
	var err error
	if *seed, err = cmd.Flags().GetUint64("seed"); err != nil {
		return err
	}

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path != "" {
		if err := model.LoadConfig(path, config); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("seed") {
		if *seed, err = cmd.Flags().GetUint64("seed"); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("image-size") {
		if *imageSize, err = cmd.Flags().GetInt("image-size"); err != nil {
			return err
		}
	}
	return nil
}

func randomBatch(cmd *cobra.Command, seed uint64, channels, size int) (*tensor.Tensor, error) {
	batch, err := cmd.Flags().GetInt("batch")
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		return nil, fmt.Errorf("batch must be positive, got %d", batch)
	}

	x := tensor.NewTensor([]int{batch, channels, size, size})
	nn.NormalInit(x, 1, nn.NewRand(seed^0x9e3779b97f4a7c15))
	return x, nil
}

func topK(cmd *cobra.Command, logits *tensor.Tensor) ([][]model.Prediction, error) {
	k, err := cmd.Flags().GetInt("top-k")
	if err != nil {
		return nil, err
	}
	if logits.HasNaN() {
		return nil, fmt.Errorf("logits contain NaN or Inf")
	}
	return model.TopK(logits, k)
}

// writePredictions renders one row per ranked class. patches, when set,
// holds the most important patch of each image.
func writePredictions(w io.Writer, predictions [][]model.Prediction, patches []int) {
	header := []string{"IMAGE", "RANK", "CLASS", "PROBABILITY", "LOGIT"}
	if patches != nil {
		header = append(header, "TOP PATCH")
	}

	var data [][]string
	for b, ranked := range predictions {
		for r, p := range ranked {
			row := []string{
				strconv.Itoa(b),
				strconv.Itoa(r + 1),
				strconv.Itoa(p.Class),
				strconv.FormatFloat(float64(p.Probability), 'f', 4, 32),
				strconv.FormatFloat(float64(p.Logit), 'f', 4, 32),
			}
			if patches != nil {
				row = append(row, strconv.Itoa(patches[b]))
			}
			data = append(data, row)
		}
	}

	table := newTable(w)
	table.SetHeader(header)
	table.AppendBulk(data)
	table.Render()
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(false)
	return table
}
