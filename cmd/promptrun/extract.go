package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/promptrun/pkg/extract"
)

var extractAll bool

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract the program from a saved model response",
	Long: `Extract the program from a model response the way the pipeline does.
With --all every fenced block is listed with its language tag.
Use "-" to read standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readSource(cmd, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !extractAll {
			fmt.Fprint(out, ensureNewline(extract.Extract(raw)))
			return nil
		}
		blocks := extract.Blocks(raw)
		if len(blocks) == 0 {
			return fmt.Errorf("no fenced blocks found")
		}
		for i, b := range blocks {
			lang := b.Language
			if lang == "" {
				lang = "untagged"
			}
			fmt.Fprintf(out, "--- block %d (%s)\n%s", i+1, lang, ensureNewline(b.Code))
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractAll, "all", false, "list every fenced block")
	rootCmd.AddCommand(extractCmd)
}
