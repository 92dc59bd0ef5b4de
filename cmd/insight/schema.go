package main

import (
	"github.com/spf13/cobra"

	"github.com/devinsight/insight/internal/schema"
	"github.com/devinsight/insight/internal/watermark"
)

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the destination tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := watermark.Open(cfg.Sink.URL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := schema.Ensure(cmd.Context(), store.DB()); err != nil {
			return err
		}
		logger.WithField("tables", len(schema.Statements)).Info("schema ready")
		return nil
	},
}
