package main

import (
	"fmt"

	"github.com/pieterfranken/schoolgeo/internal/clients"
	"github.com/pieterfranken/schoolgeo/internal/dataset"
	"github.com/pieterfranken/schoolgeo/internal/models"
	"github.com/spf13/cobra"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage the set of client schools",
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client schools with their dataset details",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := clients.Open(cfg.ClientFile)
		if err != nil {
			return fmt.Errorf("open client store: %w", err)
		}

		table, err := loadClientDataset()
		if err != nil {
			return err
		}

		byID := make(map[string]*models.SchoolRecord, len(table.Records))
		for _, rec := range table.Records {
			byID[rec.ID] = rec
		}

		fmt.Printf("Total schools: %d, clients: %d\n", len(table.Records), store.Len())
		for _, id := range store.IDs() {
			rec, ok := byID[id]
			if !ok {
				fmt.Printf("  %s (not present in dataset)\n", id)
				continue
			}
			fmt.Printf("  %-50s %-20s enrollment: %s\n", rec.Name, rec.City, orNA(rec.Extra["enrollment_total"]))
		}
		return nil
	},
}

var clientsAddCmd = &cobra.Command{
	Use:   "add <vestigings_id>",
	Short: "Mark a school as a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return toggleClient(args[0], true)
	},
}

var clientsRemoveCmd = &cobra.Command{
	Use:   "remove <vestigings_id>",
	Short: "Unmark a client school",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return toggleClient(args[0], false)
	},
}

func init() {
	clientsCmd.AddCommand(clientsListCmd, clientsAddCmd, clientsRemoveCmd)
	rootCmd.AddCommand(clientsCmd)
}

func toggleClient(id string, makeClient bool) error {
	store, err := clients.Open(cfg.ClientFile)
	if err != nil {
		return fmt.Errorf("open client store: %w", err)
	}

	var changed bool
	if makeClient {
		changed = store.Add(id)
	} else {
		changed = store.Remove(id)
	}
	if !changed {
		fmt.Printf("No change: %s\n", id)
		return nil
	}

	if err = store.Save(); err != nil {
		return fmt.Errorf("save client store: %w", err)
	}
	fmt.Printf("Clients: %d\n", store.Len())
	return nil
}

// loadClientDataset prefers the geocoded output file and falls back to
// the raw dataset when no run has completed yet.
func loadClientDataset() (*dataset.Table, error) {
	table, err := dataset.Load(cfg.OutputFile)
	if err == nil {
		return table, nil
	}
	table, err = dataset.Load(cfg.DataFile)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return table, nil
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
