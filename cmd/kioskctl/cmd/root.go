package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kioskctl",
	Short: "kioskctl inspects and drives the app update agent on a kiosk",
	Long: `kioskctl talks to the update agent running on this device.

The agent syncs the release catalog with the fleet API, queues install jobs
and runs them one at a time: download, verify, install.

Common workflows:

  List available updates:
    kioskctl candidates

  Install or update a package now:
    kioskctl install com.example.menu

  Watch the queue:
    kioskctl jobs
    kioskctl status <job-id>

  Confirm an install that waited for the user:
    kioskctl resolve <job-id> --success

Configuration:
  Set the agent endpoint and token via flags, environment variables or
  $HOME/.kioskctl.yaml:
    KIOSKCTL_URL      Agent API endpoint (default: http://127.0.0.1:6262)
    KIOSKCTL_TOKEN    Local API token`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".kioskctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".kioskctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "KIOSKCTL_VARNAME"
	viper.SetEnvPrefix("KIOSKCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kioskctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://127.0.0.1:6262", "Update agent URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Local API token")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func newClient() *AgentClient {
	return NewAgentClient(viper.GetString("url"), viper.GetString("token"))
}
