package cmd

import (
	"fmt"

	"go-kemono-download/internal/knownnames"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "Manage the known names list used to sort files into folders",
}

var namesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the known names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := loadRegistry(globalConfig)
		for _, e := range registry.Entries() {
			fmt.Println(knownnames.FormatLine(e))
		}
		log.Debugf("%d known names in %s", registry.Len(), globalConfig.KnownNamesPath)
		return nil
	},
}

var namesAddCmd = &cobra.Command{
	Use:   "add [NAME or (ALIAS, ALIAS)~]...",
	Short: "Add names; a group like \"(Cloud, Strife)~\" becomes one entry with aliases",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := loadRegistry(globalConfig)
		added := 0
		for _, arg := range args {
			for _, e := range knownnames.ParseLine(arg) {
				if registry.Add(e) {
					added++
				} else {
					log.Infof("%q is already known", e.Primary)
				}
			}
		}
		if added == 0 {
			return nil
		}
		if err := registry.Save(globalConfig.KnownNamesPath); err != nil {
			return err
		}
		log.Infof("Added %d name(s) to %s", added, globalConfig.KnownNamesPath)
		return nil
	},
}

var namesRemoveCmd = &cobra.Command{
	Use:   "remove [PRIMARY]...",
	Short: "Remove names by their primary (folder) name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := loadRegistry(globalConfig)
		removed := 0
		for _, name := range args {
			if registry.Remove(name) {
				removed++
			} else {
				log.Warnf("%q is not in the known names list", name)
			}
		}
		if removed == 0 {
			return nil
		}
		return registry.Save(globalConfig.KnownNamesPath)
	},
}

func init() {
	rootCmd.AddCommand(namesCmd)
	namesCmd.AddCommand(namesListCmd)
	namesCmd.AddCommand(namesAddCmd)
	namesCmd.AddCommand(namesRemoveCmd)
}
