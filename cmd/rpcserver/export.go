package main

import (
	"fmt"
	"os"

	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/internal/app"
	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var (
		out    string
		schema string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the TypeScript bindings (and optionally a JSON schema) for every procedure",
		Long: `Export writes the Procedures type consumed by the web client.

Use --out - to print the bindings to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := emitter.New[int]()
			defer bus.Close()
			router := app.NewRouter(app.Options{Bus: bus})

			if out == "-" {
				if err := router.ExportTypeScript(cmd.OutOrStdout()); err != nil {
					return err
				}
			} else {
				if err := router.ExportTypeScriptFile(out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)
			}

			if schema == "" {
				return nil
			}
			f, err := os.Create(schema)
			if err != nil {
				return fmt.Errorf("create schema file: %w", err)
			}
			if err := router.ExportSchema(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close schema file: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", schema)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "web/app/generated/bindings.ts", "TypeScript output path, or - for stdout")
	cmd.Flags().StringVar(&schema, "schema", "", "Also write the JSON schema document to this path")

	return cmd
}
