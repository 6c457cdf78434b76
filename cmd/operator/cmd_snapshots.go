package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
)

func newSnapshotsCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage VM snapshots",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to operator.yaml (default: ./operator.yaml)")

	newClient := func() (*morph.Client, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if cfg.MorphAPIKey == "" {
			return nil, fmt.Errorf("morph api key is required (MORPH_API_KEY)")
		}
		return morph.New(cfg.MorphAPIKey), nil
	}

	var templatesOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List VM snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			snaps, err := client.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			if templatesOnly {
				filtered := snaps[:0]
				for _, s := range snaps {
					if s.Metadata[config.TemplateMetadataKey] == "true" {
						filtered = append(filtered, s)
					}
				}
				snaps = filtered
			}
			printSnapshotTable(cmd.OutOrStdout(), snaps)
			return nil
		},
	}
	listCmd.Flags().BoolVar(&templatesOnly, "templates", false, "Only show reusable boot templates")

	var templateName string
	templateCmd := &cobra.Command{
		Use:   "template <instance-id>",
		Short: "Snapshot an instance as a reusable boot template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateName == "" {
				return fmt.Errorf("--name is required")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			snap, err := client.CreateSnapshot(cmd.Context(), args[0], map[string]string{
				config.TemplateMetadataKey: "true",
				"name":                     templateName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created template snapshot %s\n", snap.ID)
			return nil
		},
	}
	templateCmd.Flags().StringVar(&templateName, "name", "", "Display name for the template")

	deleteCmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.DeleteSnapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted snapshot %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(templateCmd)
	cmd.AddCommand(deleteCmd)

	return cmd
}
